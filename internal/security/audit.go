// Package security wraps the store with access auditing, authorization and
// time-boxed emergency access, and drives the key rotation schedule.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/chartsync/pkg/models"
)

// FlushFunc receives entries displaced from the ring buffer so the host can
// persist them elsewhere. Called outside the logger's lock.
type FlushFunc func(entries []*models.AccessLogEntry)

// AuditLogger records every store access into a capped ring buffer
type AuditLogger struct {
	enabled  bool
	capacity int
	flush    FlushFunc

	mu      sync.RWMutex
	ring    []*models.AccessLogEntry
	head    int
	total   int
	running bool
	stopCh  chan struct{}
	eventCh chan *models.AccessLogEntry
	wg      sync.WaitGroup
}

// NewAuditLogger creates an audit logger with the given ring capacity.
func NewAuditLogger(enabled bool, capacity int, flush FlushFunc) *AuditLogger {
	if capacity < 1 {
		capacity = 1024
	}
	return &AuditLogger{
		enabled:  enabled,
		capacity: capacity,
		flush:    flush,
		ring:     make([]*models.AccessLogEntry, 0, capacity),
		stopCh:   make(chan struct{}),
		eventCh:  make(chan *models.AccessLogEntry, 1000),
	}
}

// Start starts the audit logger
func (l *AuditLogger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.processEvents(ctx)
	return nil
}

// Stop stops the audit logger
func (l *AuditLogger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *AuditLogger) processEvents(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case entry := <-l.eventCh:
			l.append(entry)
		}
	}
}

func (l *AuditLogger) append(entry *models.AccessLogEntry) {
	var displaced []*models.AccessLogEntry

	l.mu.Lock()
	l.total++
	if len(l.ring) < l.capacity {
		l.ring = append(l.ring, entry)
	} else {
		displaced = append(displaced, l.ring[l.head])
		l.ring[l.head] = entry
		l.head = (l.head + 1) % l.capacity
	}
	flush := l.flush
	l.mu.Unlock()

	if flush != nil && len(displaced) > 0 {
		flush(displaced)
	}
}

// Log records one access. Auditing cannot be suppressed per call; only the
// global configuration disables it.
func (l *AuditLogger) Log(entry *models.AccessLogEntry) {
	if !l.enabled {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	select {
	case l.eventCh <- entry:
	default:
		// Channel full; write through synchronously rather than drop an
		// audit record.
		l.append(entry)
	}
}

// EntryFilter selects audit entries
type EntryFilter struct {
	Actor     string
	Action    string
	Emergency *bool
	Since     *time.Time
	Limit     int
}

// Entries returns buffered entries matching the filter, oldest first.
func (l *AuditLogger) Entries(filter EntryFilter) []*models.AccessLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.AccessLogEntry
	n := len(l.ring)
	for i := 0; i < n; i++ {
		entry := l.ring[(l.head+i)%n]
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.Emergency != nil && entry.Emergency != *filter.Emergency {
			continue
		}
		if filter.Since != nil && entry.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Stats summarizes audit activity
type Stats struct {
	TotalEntries    int            `json:"total_entries"`
	BufferedEntries int            `json:"buffered_entries"`
	EmergencyUses   int            `json:"emergency_uses"`
	ByAction        map[string]int `json:"by_action"`
}

// GetStats returns audit statistics over the buffered window.
func (l *AuditLogger) GetStats() *Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{
		TotalEntries:    l.total,
		BufferedEntries: len(l.ring),
		ByAction:        make(map[string]int),
	}
	for _, entry := range l.ring {
		stats.ByAction[entry.Action]++
		if entry.Emergency {
			stats.EmergencyUses++
		}
	}
	return stats
}
