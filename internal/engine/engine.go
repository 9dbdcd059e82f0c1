// Package engine assembles the encrypted store, sync queue, dispatcher,
// conflict and retention managers and the security layer into the
// host-facing synchronization engine. All host access flows through the
// Engine so that every read is audited, every local mutation lands in the
// sync queue, and every pulled remote change passes conflict detection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/chartsync/internal/config"
	"github.com/savegress/chartsync/internal/conflict"
	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/internal/keystore"
	"github.com/savegress/chartsync/internal/remote"
	"github.com/savegress/chartsync/internal/retention"
	"github.com/savegress/chartsync/internal/security"
	"github.com/savegress/chartsync/internal/store"
	"github.com/savegress/chartsync/internal/syncqueue"
	"github.com/savegress/chartsync/pkg/models"
)

// maintenanceInterval paces conflict escalation and key rotation checks.
const maintenanceInterval = time.Hour

// Engine is the offline-first synchronization engine
type Engine struct {
	cfg        *config.Config
	keys       *keystore.KeyStore
	store      *store.Store
	secured    *security.SecuredStore
	queue      *syncqueue.Queue
	dispatcher *syncqueue.Dispatcher
	conflicts  *conflict.Manager
	retention  *retention.Manager
	client     remote.Client
	bus        *events.Bus
	audit      *security.AuditLogger
	emergency  *security.EmergencyIssuer
	rotator    *security.Rotator

	mu         sync.Mutex
	running    bool
	closed     bool
	online     bool
	lastPullAt map[models.ResourceType]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an engine from configuration. The authorizer may be nil, which
// admits every access; single-user devices gate at the session layer.
func New(cfg *config.Config, client remote.Client, auth security.Authorizer) (*Engine, error) {
	if cfg.Encryption.Passphrase == "" {
		return nil, fmt.Errorf("engine: encryption passphrase is required")
	}

	keys, err := keystore.New(cfg.Encryption.Passphrase, cfg.Encryption.Salt, cfg.Encryption.KeyRotationDays)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DataPath, keys, cfg.Storage.MaxSize)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	audit := security.NewAuditLogger(cfg.Audit.Enabled, cfg.Audit.BufferSize, nil)

	var emergency *security.EmergencyIssuer
	if cfg.Emergency.SigningSecret != "" {
		emergency, err = security.NewEmergencyIssuer(cfg.Emergency.SigningSecret, cfg.Emergency.TokenTTL, audit, bus)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	queue, err := syncqueue.NewQueue(st.DB())
	if err != nil {
		st.Close()
		return nil, err
	}

	conflicts, err := conflict.NewManager(st.DB(), bus, cfg.Conflicts.EscalateAfter, cfg.Conflicts.SessionLimit)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		keys:       keys,
		store:      st,
		queue:      queue,
		conflicts:  conflicts,
		client:     client,
		bus:        bus,
		audit:      audit,
		emergency:  emergency,
		rotator:    security.NewRotator(keys, st, audit, bus),
		online:     true,
		lastPullAt: make(map[models.ResourceType]time.Time),
		stopCh:     make(chan struct{}),
	}

	e.secured = security.Wrap(st, auth, audit, emergency)
	e.dispatcher = syncqueue.NewDispatcher(queue, st, client, bus, cfg.StrategyFor, e.onConflict,
		cfg.Sync.Interval, cfg.Sync.MaxConcurrency)
	e.retention = retention.NewManager(st, conflicts, bus, cfg.StrategyFor,
		cfg.Storage.MaxAge, cfg.Cache.SweepInterval, cfg.Cache.PrefetchDepth)

	st.SetSweepFunc(e.retention.FreeSpace)
	if cfg.Cache.PrefetchEnabled {
		e.retention.SetFetcher(e.fetchRemote, e.isOnline)
	}

	return e, nil
}

// Start launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.audit.Start(ctx); err != nil {
		return err
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := e.retention.Start(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop shuts the engine down. Pending work stays durable in the queue.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasRunning := e.running
	e.running = false
	e.mu.Unlock()

	if wasRunning {
		close(e.stopCh)
		e.wg.Wait()
		e.dispatcher.Stop()
		e.retention.Stop()
		e.audit.Stop()
	}
	e.bus.Close()
	return e.store.Close()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	pull := time.NewTicker(e.cfg.Sync.Interval)
	defer pull.Stop()
	maintenance := time.NewTicker(maintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-pull.C:
			if e.isOnline() {
				if _, err := e.Pull(ctx); err != nil {
					log.Printf("pull: %v", err)
				}
			}
		case <-maintenance.C:
			if n, err := e.conflicts.EscalateStale(ctx, time.Now()); err != nil {
				log.Printf("conflict escalation: %v", err)
			} else if n > 0 {
				log.Printf("escalated %d stale conflicts", n)
			}
			if _, err := e.rotator.MaybeRotate(ctx, time.Now()); err != nil {
				log.Printf("key rotation: %v", err)
			}
		}
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.ErrEngineClosed
	}
	return nil
}

// hostCtx tags the context with the connectivity state for the audit trail.
func (e *Engine) hostCtx(ctx context.Context) context.Context {
	return security.WithOnline(ctx, e.isOnline())
}

// Put stores a local mutation and enqueues it for sync. The write is
// available to reads immediately, before any network round trip.
func (e *Engine) Put(ctx context.Context, resource *models.ClinicalResource) (*models.EncryptedRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ctx = e.hostCtx(ctx)

	rec, err := e.secured.Put(ctx, resource)
	if err != nil {
		return nil, err
	}

	op := models.OpCreate
	var base int64
	if _, shadowVersion, serr := e.store.ShadowFields(ctx, resource.ResourceType, resource.ID); serr == nil {
		op = models.OpUpdate
		base = shadowVersion
	}

	item := &models.SyncQueueItem{
		ResourceType: resource.ResourceType,
		ResourceID:   resource.ID,
		Operation:    op,
		BaseVersion:  base,
		Priority:     queuePriority(e.cfg.StrategyFor(resource.ResourceType)),
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	e.dispatcher.TriggerSync()
	return rec, nil
}

// Get reads a resource through the security layer.
func (e *Engine) Get(ctx context.Context, rt models.ResourceType, id string) (*models.ClinicalResource, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	res, err := e.secured.Get(e.hostCtx(ctx), rt, id)
	var ierr *models.IntegrityError
	if errors.As(err, &ierr) {
		e.bus.Publish(events.RecordQuarantined, ierr.Key)
	}
	return res, err
}

// Query runs an index lookup through the security layer.
func (e *Engine) Query(ctx context.Context, keyType models.IndexKeyType, value string) ([]models.ResourceKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.secured.Query(e.hostCtx(ctx), keyType, value)
}

// Delete tombstones a resource and replicates the delete. A resource the
// remote never confirmed is removed locally without a network round trip.
func (e *Engine) Delete(ctx context.Context, rt models.ResourceType, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	ctx = e.hostCtx(ctx)

	if _, err := e.secured.Delete(ctx, rt, id); err != nil {
		return err
	}

	_, shadowVersion, serr := e.store.ShadowFields(ctx, rt, id)
	if errors.Is(serr, models.ErrNotFound) {
		// Local-only resource: drop any queued create and the tombstone.
		if item, err := e.queue.PendingFor(ctx, rt, id); err == nil {
			if rerr := e.queue.Remove(ctx, item.ID); rerr != nil {
				return rerr
			}
		}
		return e.store.PurgeTombstone(ctx, rt, id)
	}
	if serr != nil {
		return serr
	}

	item := &models.SyncQueueItem{
		ResourceType: rt,
		ResourceID:   id,
		Operation:    models.OpDelete,
		BaseVersion:  shadowVersion,
		Priority:     models.PriorityUrgent,
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		return err
	}

	e.dispatcher.TriggerSync()
	return nil
}

// History returns a resource's version history.
func (e *Engine) History(ctx context.Context, rt models.ResourceType, id string) ([]models.ResourceVersion, error) {
	return e.store.History(ctx, rt, id)
}

// SetEpisodeRoot marks or clears a resource as an active episode anchor;
// everything reachable from an anchor is protected from eviction.
func (e *Engine) SetEpisodeRoot(ctx context.Context, key models.ResourceKey, active bool) error {
	return e.store.SetEpisodeRoot(ctx, key, active)
}

// Prefetch pulls resources related to the given one into the local cache.
func (e *Engine) Prefetch(ctx context.Context, key models.ResourceKey, depth int) (int, error) {
	return e.retention.Prefetch(ctx, key, depth)
}

// SyncNow requests an immediate bidirectional sync pass.
func (e *Engine) SyncNow(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.dispatcher.TriggerSync()
	_, err := e.Pull(ctx)
	return err
}

// SetOnline feeds the host's connectivity signal. Coming online starts a
// push pass and a pull.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	closed := e.closed
	e.mu.Unlock()

	e.dispatcher.SetOnline(online)
	if online && !closed {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Remote.Timeout*4)
			defer cancel()
			if _, err := e.Pull(ctx); err != nil {
				log.Printf("pull on reconnect: %v", err)
			}
		}()
	}
}

// Pause suspends sync; local reads and writes continue.
func (e *Engine) Pause() { e.dispatcher.Pause() }

// Resume re-enables sync.
func (e *Engine) Resume() { e.dispatcher.Resume() }

// Subscribe registers for engine events.
func (e *Engine) Subscribe(kinds ...events.Kind) (<-chan events.Event, func()) {
	return e.bus.Subscribe(kinds...)
}

// Audit exposes the access log.
func (e *Engine) Audit() *security.AuditLogger { return e.audit }

// Emergency exposes the break-glass token issuer; nil when no signing
// secret is configured.
func (e *Engine) Emergency() *security.EmergencyIssuer { return e.emergency }

// RotateKeys forces a master key rotation and re-encryption pass.
func (e *Engine) RotateKeys(ctx context.Context) (int, error) {
	return e.rotator.RotateKeys(ctx)
}

// RotationSchedule reports the key rotation schedule.
func (e *Engine) RotationSchedule() models.KeyRotationSchedule {
	return e.rotator.Schedule()
}

// FailedItems returns queue items that exhausted their retries.
func (e *Engine) FailedItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return e.queue.Failed(ctx)
}

// RequeueFailed moves a failed item back into the live queue and tags the
// record queued so its sync state no longer reads as terminal.
func (e *Engine) RequeueFailed(ctx context.Context, id string) error {
	item, err := e.queue.RequeueFailed(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.SetSyncStatus(ctx, item.ResourceType, item.ResourceID, models.SyncStatusQueued); err != nil {
		return err
	}
	e.dispatcher.TriggerSync()
	return nil
}

// Conflicts lists conflicts by resolution state.
func (e *Engine) Conflicts(ctx context.Context, resolved bool) ([]*models.Conflict, error) {
	return e.conflicts.List(ctx, resolved)
}

// Conflict returns one conflict by id.
func (e *Engine) Conflict(ctx context.Context, id string) (*models.Conflict, error) {
	return e.conflicts.Get(ctx, id)
}

// Status summarizes engine state for the host application.
func (e *Engine) Status(ctx context.Context) (*models.SyncStatusReport, error) {
	online, paused, syncing, lastSyncAt, lastError := e.dispatcher.Status()

	pending, failed, err := e.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	open, err := e.conflicts.OpenCount(ctx)
	if err != nil {
		return nil, err
	}
	count, bytes, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &models.SyncStatusReport{
		Online:          online,
		Syncing:         syncing,
		Paused:          paused,
		PendingItems:    pending,
		FailedItems:     failed,
		OpenConflicts:   open,
		LastSyncAt:      lastSyncAt,
		LastSyncError:   lastError,
		StoredResources: count,
		StoredBytes:     bytes,
	}, nil
}

// Cleanup evicts synced records older than the horizon, keeping anything
// pinned by pending work, open conflicts or episode protection.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	roots, err := e.store.EpisodeRoots(ctx)
	if err != nil {
		return 0, err
	}
	protected, err := e.store.Reachable(ctx, roots, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	return e.store.Cleanup(ctx, cutoff, func(key models.ResourceKey) bool {
		if protected[key] {
			return true
		}
		open, cerr := e.conflicts.OpenFor(ctx, key.Type, key.ID)
		return cerr != nil || open
	})
}

// Pull fetches remote changes for every replicated resource type and applies
// them through conflict detection. Returns the number of applied changes.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if !e.isOnline() {
		return 0, nil
	}

	applied := 0
	var firstErr error
	for _, rt := range models.AllResourceTypes {
		strategy := e.cfg.StrategyFor(rt)
		if strategy.Direction == models.DirectionPush {
			continue
		}

		e.mu.Lock()
		since := e.lastPullAt[rt]
		e.mu.Unlock()

		start := time.Now()
		resources, err := e.client.Pull(ctx, rt, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		ok := true
		for i := range resources {
			if err := e.applyRemoteResource(ctx, rt, &resources[i]); err != nil {
				log.Printf("apply remote %s/%s: %v", rt, resources[i].ID, err)
				ok = false
				continue
			}
			applied++
		}
		if ok {
			e.mu.Lock()
			e.lastPullAt[rt] = start
			e.mu.Unlock()
		}
	}
	return applied, firstErr
}

// applyRemoteResource folds one pulled remote change into the local store,
// routing divergence through the conflict manager.
func (e *Engine) applyRemoteResource(ctx context.Context, rt models.ResourceType, res *remote.Resource) error {
	rec, err := e.store.Record(ctx, rt, res.ID)
	if errors.Is(err, models.ErrNotFound) {
		if res.Deleted {
			return nil
		}
		_, err := e.store.ApplyRemote(ctx, &models.ClinicalResource{
			ResourceType: rt, ID: res.ID, Fields: res.Fields,
		}, res.Version)
		return err
	}
	if err != nil {
		return err
	}

	if rec.Quarantined {
		// A fresh remote copy is the only way out of quarantine; local
		// bytes are untrusted, so any queued push for them is dropped.
		if item, perr := e.queue.PendingFor(ctx, rt, res.ID); perr == nil {
			if rerr := e.queue.Remove(ctx, item.ID); rerr != nil {
				return rerr
			}
		}
		if res.Deleted {
			return e.store.ApplyRemoteDelete(ctx, rt, res.ID)
		}
		_, aerr := e.store.ApplyRemote(ctx, &models.ClinicalResource{
			ResourceType: rt, ID: res.ID, Fields: res.Fields,
		}, res.Version)
		return aerr
	}

	pending, perr := e.queue.PendingFor(ctx, rt, res.ID)
	hasPending := perr == nil
	if perr != nil && !errors.Is(perr, models.ErrNotFound) {
		return perr
	}

	base := rec.Version
	if _, shadowVersion, serr := e.store.ShadowFields(ctx, rt, res.ID); serr == nil {
		base = shadowVersion
	} else if hasPending {
		base = pending.BaseVersion
	}

	if hasPending {
		if res.Version <= base && !res.Deleted {
			return nil // remote has nothing newer than our base
		}
		if conflict.Detect(rec.SyncStatus, rec.Version, res.Version, base) || res.Deleted {
			return e.raiseConflict(ctx, rec, pending, res, base)
		}
		return nil
	}

	if rec.SyncStatus == models.SyncStatusFailed {
		// The item exhausted its retries, but the local edit still exists
		// and must not be overwritten by the pull. Its divergence is a
		// conflict like any other; the conflict flow takes over from the
		// failed queue.
		if res.Version <= base && !res.Deleted {
			return nil
		}
		failed, ferr := e.queue.FailedFor(ctx, rt, res.ID)
		if ferr != nil && !errors.Is(ferr, models.ErrNotFound) {
			return ferr
		}
		if failed != nil {
			if rerr := e.queue.Remove(ctx, failed.ID); rerr != nil {
				return rerr
			}
		}
		return e.raiseConflict(ctx, rec, nil, res, base)
	}

	if res.Deleted {
		return e.store.ApplyRemoteDelete(ctx, rt, res.ID)
	}
	if res.Version <= rec.Version && rec.SyncStatus == models.SyncStatusSynced && res.Version <= base {
		return nil
	}
	_, aerr := e.store.ApplyRemote(ctx, &models.ClinicalResource{
		ResourceType: rt, ID: res.ID, Fields: res.Fields,
	}, res.Version)
	return aerr
}

// onConflict handles a push rejected on its version precondition: the remote
// state is fetched, the conflict is recorded, and the type's strategy runs.
func (e *Engine) onConflict(ctx context.Context, item *models.SyncQueueItem, perr *models.PreconditionError) {
	rec, err := e.store.Record(ctx, item.ResourceType, item.ResourceID)
	if err != nil {
		log.Printf("conflict lookup %s/%s: %v", item.ResourceType, item.ResourceID, err)
		return
	}

	res, err := e.client.Get(ctx, item.ResourceType, item.ResourceID)
	if errors.Is(err, models.ErrNotFound) {
		res = &remote.Resource{
			ResourceType: item.ResourceType,
			ID:           item.ResourceID,
			Version:      perr.RemoteVersion,
			Deleted:      true,
		}
	} else if err != nil {
		log.Printf("conflict fetch %s/%s: %v", item.ResourceType, item.ResourceID, err)
		return
	}

	if err := e.raiseConflict(ctx, rec, item, res, item.BaseVersion); err != nil {
		log.Printf("record conflict %s/%s: %v", item.ResourceType, item.ResourceID, err)
	}
}

// raiseConflict records a conflict and runs the type's resolution strategy.
// The pending queue item is removed; the resolution path re-enqueues the
// winning payload rebased onto the remote version.
func (e *Engine) raiseConflict(ctx context.Context, rec *models.EncryptedRecord, pending *models.SyncQueueItem, res *remote.Resource, base int64) error {
	if pending != nil {
		if err := e.queue.Remove(ctx, pending.ID); err != nil {
			return err
		}
	}
	if err := e.store.SetSyncStatus(ctx, rec.ResourceType, rec.ResourceID, models.SyncStatusConflict); err != nil {
		return err
	}

	c := &models.Conflict{
		ResourceType:   rec.ResourceType,
		ResourceID:     rec.ResourceID,
		LocalVersion:   rec.Version,
		RemoteVersion:  res.Version,
		BaseVersion:    base,
		RemoteFields:   res.Fields,
		RemoteDeleted:  res.Deleted,
		LocalDeleted:   rec.Deleted,
		LocalModified:  rec.LastModified,
		RemoteModified: res.LastModified,
	}
	if c.RemoteModified.IsZero() {
		c.RemoteModified = time.Now()
	}
	if !rec.Deleted {
		if fields, _, err := e.store.Payload(ctx, rec.ResourceType, rec.ResourceID); err == nil {
			c.LocalFields = fields
		}
	}
	if baseFields, _, err := e.store.ShadowFields(ctx, rec.ResourceType, rec.ResourceID); err == nil {
		c.BaseFields = baseFields
	}

	if err := e.conflicts.Record(ctx, c); err != nil {
		return err
	}
	return e.autoResolve(ctx, c)
}

// autoResolve runs the configured strategy. Strategies that defer to a
// human (manual, or a merge with overlapping edits) leave the conflict open
// for the operator surface; nothing is guessed.
func (e *Engine) autoResolve(ctx context.Context, c *models.Conflict) error {
	strategy := e.cfg.StrategyFor(c.ResourceType).ConflictResolution

	res, err := conflict.Resolve(c, strategy, "system", time.Now())
	if errors.Is(err, conflict.ErrManualRequired) || errors.Is(err, conflict.ErrRebaseRequired) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.applyResolution(ctx, c, res); err != nil {
		return err
	}
	return e.conflicts.SaveResolution(ctx, c.ID, res)
}

// ResolveConflict applies an operator's decision to an open conflict. For a
// merge or manual action the operator may supply the resulting payload.
func (e *Engine) ResolveConflict(ctx context.Context, id string, action models.ResolutionAction, fields map[string]interface{}, resolvedBy string) (*models.Resolution, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	c, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == models.ConflictResolved {
		return nil, fmt.Errorf("%w: conflict %s is already resolved", models.ErrConflict, id)
	}
	if resolvedBy == "" {
		resolvedBy = security.ActorFrom(ctx)
	}

	res := &models.Resolution{
		Action:     action,
		ResolvedBy: resolvedBy,
		ResolvedAt: time.Now(),
	}

	switch action {
	case models.ResolveKeepLocal:
		res.Result = models.CloneFields(c.LocalFields)
		res.Deleted = c.LocalDeleted
	case models.ResolveKeepRemote:
		res.Result = models.CloneFields(c.RemoteFields)
		res.Deleted = c.RemoteDeleted
	case models.ResolveMerge:
		if fields != nil {
			res.Result = models.CloneFields(fields)
		} else {
			outcome := conflict.Merge(c.BaseFields, c.LocalFields, c.RemoteFields, c.LocalDeleted, c.RemoteDeleted)
			if len(outcome.OverlapFields) > 0 {
				return nil, fmt.Errorf("%w: fields %v need an explicit merged payload",
					conflict.ErrManualRequired, outcome.OverlapFields)
			}
			res.Result = outcome.Fields
			res.Deleted = outcome.Deleted
		}
	case models.ResolveKeepBoth:
		res.Result = models.CloneFields(c.LocalFields)
	case models.ResolveManual:
		if fields == nil {
			return nil, fmt.Errorf("%w: manual resolution needs a payload", conflict.ErrManualRequired)
		}
		res.Result = models.CloneFields(fields)
	default:
		return nil, fmt.Errorf("unknown resolution action %q", action)
	}

	if err := e.applyResolution(ctx, c, res); err != nil {
		return nil, err
	}
	if err := e.conflicts.SaveResolution(ctx, c.ID, res); err != nil {
		return nil, err
	}

	e.audit.Log(&models.AccessLogEntry{
		Actor:        resolvedBy,
		ResourceType: c.ResourceType,
		ResourceID:   c.ResourceID,
		Action:       "resolve-conflict",
		Online:       e.isOnline(),
		Detail:       string(action),
	})
	return res, nil
}

// applyResolution materializes a resolution in the store and, when the local
// side wins, re-enqueues the payload rebased onto the remote version so the
// push precondition holds.
func (e *Engine) applyResolution(ctx context.Context, c *models.Conflict, res *models.Resolution) error {
	key := models.ResourceKey{Type: c.ResourceType, ID: c.ResourceID}

	switch res.Action {
	case models.ResolveKeepRemote:
		if c.RemoteDeleted || res.Deleted {
			return e.store.ApplyRemoteDelete(ctx, key.Type, key.ID)
		}
		_, err := e.store.ApplyRemote(ctx, &models.ClinicalResource{
			ResourceType: key.Type, ID: key.ID, Fields: models.CloneFields(res.Result),
		}, c.RemoteVersion)
		return err

	case models.ResolveKeepLocal, models.ResolveMerge, models.ResolveManual:
		if res.Deleted {
			return e.queue.Enqueue(ctx, &models.SyncQueueItem{
				ResourceType: key.Type,
				ResourceID:   key.ID,
				Operation:    models.OpDelete,
				BaseVersion:  c.RemoteVersion,
				Priority:     models.PriorityUrgent,
			})
		}
		if _, err := e.store.Put(ctx, &models.ClinicalResource{
			ResourceType: key.Type, ID: key.ID, Fields: models.CloneFields(res.Result),
		}, res.ResolvedBy); err != nil {
			return err
		}
		if err := e.queue.Enqueue(ctx, &models.SyncQueueItem{
			ResourceType: key.Type,
			ResourceID:   key.ID,
			Operation:    models.OpUpdate,
			BaseVersion:  c.RemoteVersion,
			Priority:     models.PriorityHigh,
		}); err != nil {
			return err
		}
		e.dispatcher.TriggerSync()
		return nil

	case models.ResolveKeepBoth:
		// The local edit survives under a fresh identity; the remote
		// version takes the original id.
		if c.LocalFields != nil && !c.LocalDeleted {
			dup := &models.ClinicalResource{
				ResourceType: key.Type,
				ID:           uuid.New().String(),
				Fields:       models.CloneFields(c.LocalFields),
			}
			dup.Fields["duplicateOf"] = key.ID
			if _, err := e.store.Put(ctx, dup, res.ResolvedBy); err != nil {
				return err
			}
			if err := e.queue.Enqueue(ctx, &models.SyncQueueItem{
				ResourceType: dup.ResourceType,
				ResourceID:   dup.ID,
				Operation:    models.OpCreate,
				Priority:     models.PriorityHigh,
			}); err != nil {
				return err
			}
		}
		if c.RemoteDeleted {
			return e.store.ApplyRemoteDelete(ctx, key.Type, key.ID)
		}
		_, err := e.store.ApplyRemote(ctx, &models.ClinicalResource{
			ResourceType: key.Type, ID: key.ID, Fields: models.CloneFields(c.RemoteFields),
		}, c.RemoteVersion)
		if err == nil {
			e.dispatcher.TriggerSync()
		}
		return err

	default:
		return fmt.Errorf("unknown resolution action %q", res.Action)
	}
}

// fetchRemote retrieves one missing resource for graph prefetch.
func (e *Engine) fetchRemote(ctx context.Context, key models.ResourceKey) error {
	res, err := e.client.Get(ctx, key.Type, key.ID)
	if err != nil {
		return err
	}
	if res.Deleted {
		return nil
	}
	_, err = e.store.ApplyRemote(ctx, &models.ClinicalResource{
		ResourceType: key.Type, ID: key.ID, Fields: res.Fields,
	}, res.Version)
	return err
}

// queuePriority maps the retention tier of a type to its queue priority so
// critical resources push first.
func queuePriority(strategy models.SyncStrategy) int {
	switch strategy.Cache.Priority {
	case models.CachePriorityCritical:
		return models.PriorityHigh
	case models.CachePriorityHigh:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}
