// Package retention enforces the local storage budget through tiered
// retention sweeps and eviction, and prefetches related resources along the
// relationship graph. A sweep never evicts a record with a pending edit, an
// unresolved conflict, or graph protection from an active episode.
package retention

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/savegress/chartsync/internal/conflict"
	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/internal/store"
	"github.com/savegress/chartsync/pkg/models"
)

// FetchFunc retrieves one missing resource from the remote; supplied by the
// host. Prefetch is skipped when nil.
type FetchFunc func(ctx context.Context, key models.ResourceKey) error

// GateFunc reports whether network conditions permit prefetching right now.
type GateFunc func() bool

// Manager runs retention sweeps and graph prefetch
type Manager struct {
	store       *store.Store
	conflicts   *conflict.Manager
	bus         *events.Bus
	strategyFor func(models.ResourceType) models.SyncStrategy

	maxAge        time.Duration
	sweepInterval time.Duration
	prefetchDepth int

	fetch FetchFunc
	gate  GateFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a retention manager.
func NewManager(st *store.Store, conflicts *conflict.Manager, bus *events.Bus,
	strategyFor func(models.ResourceType) models.SyncStrategy,
	maxAge, sweepInterval time.Duration, prefetchDepth int) *Manager {
	return &Manager{
		store:         st,
		conflicts:     conflicts,
		bus:           bus,
		strategyFor:   strategyFor,
		maxAge:        maxAge,
		sweepInterval: sweepInterval,
		prefetchDepth: prefetchDepth,
		stopCh:        make(chan struct{}),
	}
}

// SetFetcher wires in the host's prefetch fetcher and network gate.
func (m *Manager) SetFetcher(fetch FetchFunc, gate GateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetch = fetch
	m.gate = gate
}

// Start begins the periodic sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop stops the periodic sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("retention sweep: %v", err)
			}
		}
	}
}

// candidate is one evictable record from the sweep snapshot
type candidate struct {
	key      models.ResourceKey
	rank     int // priority rank, lower evicts first
	modified time.Time
	size     int64
}

// snapshot collects the evictable records from a consistent metadata read.
// Protection is evaluated at snapshot time; records protected later are
// caught by the next sweep.
func (m *Manager) snapshot(ctx context.Context, minAge func(models.CachePolicy) time.Duration, now time.Time) ([]candidate, error) {
	metas, err := m.store.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	roots, err := m.store.EpisodeRoots(ctx)
	if err != nil {
		return nil, err
	}
	protected, err := m.store.Reachable(ctx, roots, 0)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, rec := range metas {
		if rec.Deleted || rec.Quarantined {
			continue
		}
		if rec.SyncStatus != models.SyncStatusSynced {
			continue // pending, queued, conflicted and failed records stay
		}
		key := rec.Key()
		if protected[key] {
			continue
		}
		if open, err := m.conflicts.OpenFor(ctx, key.Type, key.ID); err != nil || open {
			continue
		}

		policy := m.strategyFor(key.Type).Cache
		age := now.Sub(rec.LastModified)
		window := minAge(policy)
		overMaxAge := m.maxAge > 0 && age > m.maxAge
		if age <= window && !overMaxAge {
			continue
		}

		out = append(out, candidate{
			key:      key,
			rank:     policy.Priority.Rank(),
			modified: rec.LastModified,
			size:     rec.Size,
		})
	}

	// Lowest priority first, oldest first within a tier.
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].modified.Before(out[j].modified)
	})
	return out, nil
}

// Sweep evicts records whose age exceeds their tier's historical window (or
// the global max age) and returns the number evicted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cands, err := m.snapshot(ctx, func(p models.CachePolicy) time.Duration {
		return p.HistoricalWindow
	}, time.Now())
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, c := range cands {
		if err := m.store.Evict(ctx, c.key.Type, c.key.ID); err != nil {
			continue
		}
		evicted++
		m.bus.Publish(events.RecordEvicted, c.key)
	}
	return evicted, nil
}

// FreeSpace evicts under quota pressure until at least needed bytes are
// reclaimed, lowest priority and oldest first, considering anything past
// its active window. Returns the bytes actually freed; the store raises
// QuotaExceeded when that falls short. The exclude key is the record whose
// write triggered the sweep; the store holds its lock, so evicting it here
// would deadlock.
func (m *Manager) FreeSpace(ctx context.Context, needed int64, exclude models.ResourceKey) (int64, error) {
	cands, err := m.snapshot(ctx, func(p models.CachePolicy) time.Duration {
		return p.ActiveWindow
	}, time.Now())
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, c := range cands {
		if freed >= needed {
			break
		}
		if c.key == exclude {
			continue
		}
		if err := m.store.Evict(ctx, c.key.Type, c.key.ID); err != nil {
			continue
		}
		freed += c.size
		m.bus.Publish(events.RecordEvicted, c.key)
	}
	return freed, nil
}

// Prefetch walks the relationship graph from a resource up to the bounded
// depth and fetches missing related resources, subject to the host's
// network-quality gate.
func (m *Manager) Prefetch(ctx context.Context, key models.ResourceKey, depth int) (int, error) {
	m.mu.Lock()
	fetch, gate := m.fetch, m.gate
	m.mu.Unlock()

	if fetch == nil {
		return 0, nil
	}
	if gate != nil && !gate() {
		return 0, nil
	}
	if depth <= 0 || depth > m.prefetchDepth {
		depth = m.prefetchDepth
	}

	related, err := m.store.Reachable(ctx, []models.ResourceKey{key}, depth)
	if err != nil {
		return 0, err
	}

	fetched := 0
	for rel := range related {
		if rel == key {
			continue
		}
		if _, err := m.store.Record(ctx, rel.Type, rel.ID); err == nil {
			continue // already cached
		}
		if err := fetch(ctx, rel); err != nil {
			continue
		}
		fetched++
	}
	return fetched, nil
}
