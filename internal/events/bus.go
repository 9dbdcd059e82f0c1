// Package events provides the typed in-process event bus consumers use to
// observe the sync engine. Subscribers register for specific kinds and
// receive payloads over a buffered channel; a slow subscriber drops events
// rather than stalling the engine.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event type
type Kind string

const (
	SyncStarted       Kind = "sync-started"
	SyncProgress      Kind = "sync-progress"
	SyncCompleted     Kind = "sync-completed"
	SyncFailed        Kind = "sync-failed"
	ConflictDetected  Kind = "conflict-detected"
	ConflictResolved  Kind = "conflict-resolved"
	RecordQuarantined Kind = "record-quarantined"
	RecordEvicted     Kind = "record-evicted"
	KeysRotated       Kind = "keys-rotated"
	EmergencyAccess   Kind = "emergency-access"
)

// Event is one engine notification
type Event struct {
	Kind      Kind        `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ProgressPayload reports dispatch progress for one sync pass
type ProgressPayload struct {
	ResourceType string `json:"resourceType"`
	Dispatched   int    `json:"dispatched"`
	Remaining    int    `json:"remaining"`
}

type subscriber struct {
	kinds map[Kind]bool // empty means all kinds
	ch    chan Event
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers for the given kinds (none means every kind) and
// returns the receive channel plus a cancel function. The channel is closed
// on cancel or bus close.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		kinds: make(map[Kind]bool, len(kinds)),
		ch:    make(chan Event, 64),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	event := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is behind; drop rather than block the engine.
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
