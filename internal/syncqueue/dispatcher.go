package syncqueue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/internal/remote"
	"github.com/savegress/chartsync/internal/store"
	"github.com/savegress/chartsync/pkg/models"
)

// ConflictFunc receives items whose push was rejected on its version
// precondition. The item has already been dequeued; the handler owns the
// conflict from here.
type ConflictFunc func(ctx context.Context, item *models.SyncQueueItem, perr *models.PreconditionError)

// Dispatcher drains the sync queue against the remote service with bounded
// concurrency: at most one in-flight batch per resource type, at most
// maxConcurrency batches overall.
type Dispatcher struct {
	queue       *Queue
	store       *store.Store
	client      remote.Client
	bus         *events.Bus
	strategyFor func(models.ResourceType) models.SyncStrategy
	onConflict  ConflictFunc

	interval       time.Duration
	maxConcurrency int

	mu          sync.Mutex
	online      bool
	paused      bool
	syncing     bool
	running     bool
	inflight    map[models.ResourceType]bool
	cancelBatch context.CancelFunc
	lastSyncAt  *time.Time
	lastError   string

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. interval is the periodic sync timer.
func NewDispatcher(queue *Queue, st *store.Store, client remote.Client, bus *events.Bus,
	strategyFor func(models.ResourceType) models.SyncStrategy, onConflict ConflictFunc,
	interval time.Duration, maxConcurrency int) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Dispatcher{
		queue:          queue,
		store:          st,
		client:         client,
		bus:            bus,
		strategyFor:    strategyFor,
		onConflict:     onConflict,
		interval:       interval,
		maxConcurrency: maxConcurrency,
		online:         true,
		inflight:       make(map[models.ResourceType]bool),
		trigger:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
}

// Start starts the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Stop stops the dispatch loop and aborts any in-flight batch.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	if d.cancelBatch != nil {
		d.cancelBatch()
	}
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
}

// TriggerSync requests an immediate sync pass.
func (d *Dispatcher) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Pause suspends dispatching; queued work accumulates.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume re-enables dispatching and triggers a pass.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.TriggerSync()
}

// SetOnline feeds the host's connectivity signal. Going offline aborts the
// in-flight batch; pushes are idempotent on (resourceId, version), so
// partial application is safe to retry. Coming online triggers a pass.
func (d *Dispatcher) SetOnline(online bool) {
	d.mu.Lock()
	d.online = online
	if !online && d.cancelBatch != nil {
		d.cancelBatch()
	}
	d.mu.Unlock()

	if online {
		d.TriggerSync()
	}
}

// Status reports the dispatcher's view for the sync status surface.
func (d *Dispatcher) Status() (online, paused, syncing bool, lastSyncAt *time.Time, lastError string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online, d.paused, d.syncing, d.lastSyncAt, d.lastError
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runPass(ctx)
		case <-d.trigger:
			d.runPass(ctx)
		}
	}
}

func (d *Dispatcher) runPass(ctx context.Context) {
	d.mu.Lock()
	if d.paused || !d.online || d.syncing {
		d.mu.Unlock()
		return
	}
	d.syncing = true
	passCtx, cancel := context.WithCancel(ctx)
	d.cancelBatch = cancel
	d.mu.Unlock()

	defer func() {
		cancel()
		now := time.Now()
		d.mu.Lock()
		d.syncing = false
		d.cancelBatch = nil
		d.lastSyncAt = &now
		d.mu.Unlock()
	}()

	types, err := d.queue.DueTypes(passCtx, time.Now())
	if err != nil {
		d.recordError(err)
		return
	}
	if len(types) == 0 {
		return
	}

	d.bus.Publish(events.SyncStarted, map[string]int{"types": len(types)})

	sem := make(chan struct{}, d.maxConcurrency)
	var wg sync.WaitGroup
	var passErr error
	var errMu sync.Mutex

	for _, rt := range types {
		d.mu.Lock()
		if d.inflight[rt] {
			d.mu.Unlock()
			continue
		}
		d.inflight[rt] = true
		d.mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(rt models.ResourceType) {
			defer func() {
				d.mu.Lock()
				delete(d.inflight, rt)
				d.mu.Unlock()
				<-sem
				wg.Done()
			}()
			if err := d.processBatch(passCtx, rt); err != nil {
				errMu.Lock()
				passErr = err
				errMu.Unlock()
			}
		}(rt)
	}
	wg.Wait()

	if passErr != nil {
		d.recordError(passErr)
		d.bus.Publish(events.SyncFailed, passErr.Error())
		return
	}

	d.mu.Lock()
	d.lastError = ""
	d.mu.Unlock()
	d.bus.Publish(events.SyncCompleted, nil)
}

func (d *Dispatcher) recordError(err error) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
}

// processBatch dispatches one batch of the type's due items sequentially,
// preserving single-writer ordering per resource id.
func (d *Dispatcher) processBatch(ctx context.Context, rt models.ResourceType) error {
	strategy := d.strategyFor(rt)
	if strategy.Direction == models.DirectionPull {
		return nil
	}
	batchSize := strategy.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	items, err := d.queue.Due(ctx, rt, batchSize, time.Now())
	if err != nil {
		return err
	}

	dispatched := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.dispatchItem(ctx, item, strategy); err != nil {
			// Batch keeps going; the item's own retry state tracks it.
			log.Printf("dispatch %s/%s: %v", item.ResourceType, item.ResourceID, err)
			continue
		}
		dispatched++
	}

	d.bus.Publish(events.SyncProgress, &events.ProgressPayload{
		ResourceType: string(rt),
		Dispatched:   dispatched,
		Remaining:    len(items) - dispatched,
	})
	return nil
}

func (d *Dispatcher) dispatchItem(ctx context.Context, item *models.SyncQueueItem, strategy models.SyncStrategy) error {
	var confirmed, localVersion int64
	var err error
	var fields map[string]interface{}

	switch item.Operation {
	case models.OpDelete:
		err = d.client.Delete(ctx, item.ResourceType, item.ResourceID, item.BaseVersion)
	default:
		fields, localVersion, err = d.store.Payload(ctx, item.ResourceType, item.ResourceID)
		if errors.Is(err, models.ErrQuarantined) {
			// Quarantined records are withheld from sync until a fresh
			// pull restores them; leave the item queued.
			return nil
		}
		var ierr *models.IntegrityError
		if errors.As(err, &ierr) {
			// Corruption detected at dispatch time; the record is now
			// quarantined and the item waits for a restoring pull.
			d.bus.Publish(events.RecordQuarantined, ierr.Key)
			return nil
		}
		if errors.Is(err, models.ErrNotFound) {
			// Deleted locally after enqueue; the delete item supersedes.
			return d.queue.Remove(ctx, item.ID)
		}
		if err == nil {
			base := item.BaseVersion
			if item.Operation == models.OpCreate {
				base = 0
			}
			confirmed, err = d.client.Push(ctx, item.ResourceType, item.ResourceID, fields, base)
		}
	}

	if err == nil {
		if item.Operation == models.OpDelete {
			if err := d.store.PurgeTombstone(ctx, item.ResourceType, item.ResourceID); err != nil {
				return err
			}
			return d.queue.Remove(ctx, item.ID)
		}
		removed, rerr := d.queue.Release(ctx, item)
		if rerr != nil {
			return rerr
		}
		if err := d.store.MarkSynced(ctx, item.ResourceType, item.ResourceID, localVersion, confirmed, fields); err != nil {
			return err
		}
		if !removed {
			// A newer local edit coalesced into the row mid-flight. The
			// push confirmed the dispatched payload, so the queued edit
			// rebases onto the confirmed version and pushes next pass.
			return d.queue.Rebase(ctx, item.ID, confirmed)
		}
		return nil
	}

	var perr *models.PreconditionError
	if errors.As(err, &perr) {
		// Version drift is a conflict, not a retry.
		if rerr := d.queue.Remove(ctx, item.ID); rerr != nil {
			return rerr
		}
		d.store.SetSyncStatus(ctx, item.ResourceType, item.ResourceID, models.SyncStatusConflict)
		if d.onConflict != nil {
			d.onConflict(ctx, item, perr)
		}
		return nil
	}

	if errors.Is(err, models.ErrAuthorization) {
		d.store.SetSyncStatus(ctx, item.ResourceType, item.ResourceID, models.SyncStatusFailed)
		return d.queue.FailTerminal(ctx, item, err)
	}

	if ctx.Err() != nil {
		// Batch was cancelled mid-flight; the item retries untouched.
		return ctx.Err()
	}

	terminal, ferr := d.queue.Fail(ctx, item, err, strategy.Retry)
	if ferr != nil {
		return ferr
	}
	if terminal {
		d.store.SetSyncStatus(ctx, item.ResourceType, item.ResourceID, models.SyncStatusFailed)
		d.bus.Publish(events.SyncFailed, map[string]string{
			"resource": string(item.ResourceType) + "/" + item.ResourceID,
			"error":    err.Error(),
		})
	}
	return err
}
