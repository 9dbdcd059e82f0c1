package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/savegress/chartsync/internal/config"
	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/internal/remote"
	"github.com/savegress/chartsync/pkg/models"
)

// stubClient serves canned remote state without a network.
type stubClient struct {
	mu      sync.Mutex
	pulls   map[models.ResourceType][]remote.Resource
	byKey   map[models.ResourceKey]*remote.Resource
	pushErr error
}

func newStubClient() *stubClient {
	return &stubClient{
		pulls: make(map[models.ResourceType][]remote.Resource),
		byKey: make(map[models.ResourceKey]*remote.Resource),
	}
}

func (c *stubClient) Pull(ctx context.Context, rt models.ResourceType, since time.Time) ([]remote.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pulls[rt]
	delete(c.pulls, rt)
	return out, nil
}

func (c *stubClient) Get(ctx context.Context, rt models.ResourceType, id string) (*remote.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.byKey[models.ResourceKey{Type: rt, ID: id}]; ok {
		return res, nil
	}
	return nil, models.ErrNotFound
}

func (c *stubClient) Push(ctx context.Context, rt models.ResourceType, id string, fields map[string]interface{}, expectedBase int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pushErr != nil {
		return 0, c.pushErr
	}
	return expectedBase + 1, nil
}

func (c *stubClient) Delete(ctx context.Context, rt models.ResourceType, id string, expectedBase int64) error {
	return nil
}

func (c *stubClient) serve(res remote.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pulls[res.ResourceType] = append(c.pulls[res.ResourceType], res)
	copied := res
	c.byKey[models.ResourceKey{Type: res.ResourceType, ID: res.ID}] = &copied
}

func testEngine(t *testing.T) (*Engine, *stubClient) {
	t.Helper()
	cfg := config.LoadFromEnv()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.MaxSize = 0
	cfg.Encryption.Passphrase = "test-passphrase"
	cfg.Emergency.SigningSecret = "test-secret"
	cfg.Sync.Interval = time.Hour
	cfg.Cache.SweepInterval = time.Hour

	client := newStubClient()
	e, err := New(cfg, client, nil)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e, client
}

func observation(id, status string) *models.ClinicalResource {
	return &models.ClinicalResource{
		ResourceType: models.ResourceTypeObservation,
		ID:           id,
		Fields:       map[string]interface{}{"patientId": "pat-1", "status": status},
	}
}

func TestNew_RequiresPassphrase(t *testing.T) {
	cfg := config.LoadFromEnv()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Encryption.Passphrase = ""
	if _, err := New(cfg, newStubClient(), nil); err == nil {
		t.Fatal("expected error without a passphrase")
	}
}

func TestEngine_PutEnqueuesCreate(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, observation("obs-1", "draft")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// The write is readable before any network round trip.
	res, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if res.Fields["status"] != "draft" {
		t.Errorf("unexpected payload %v", res.Fields)
	}

	item, err := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if item.Operation != models.OpCreate || item.BaseVersion != 0 {
		t.Errorf("expected create with base 0, got %+v", item)
	}
}

func TestEngine_PutAfterConfirmEnqueuesUpdate(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))

	// Simulate the dispatcher confirming the create.
	item, _ := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	e.queue.Remove(ctx, item.ID)
	fields := observation("obs-1", "draft").Fields
	if err := e.store.MarkSynced(ctx, models.ResourceTypeObservation, "obs-1", 1, 1, fields); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	if _, err := e.Put(ctx, observation("obs-1", "final")); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	item, err := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if item.Operation != models.OpUpdate || item.BaseVersion != 1 {
		t.Errorf("expected update based on the confirmed version, got %+v", item)
	}
}

func TestEngine_DeleteLocalOnly(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))
	if err := e.Delete(ctx, models.ResourceTypeObservation, "obs-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// Never confirmed remotely: no tombstone, no queued work.
	if _, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("queue should be empty, got %v", err)
	}
}

func TestEngine_DeleteConfirmedEnqueuesRemoteDelete(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))
	item, _ := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	e.queue.Remove(ctx, item.ID)
	e.store.MarkSynced(ctx, models.ResourceTypeObservation, "obs-1", 1, 3, observation("obs-1", "draft").Fields)

	if err := e.Delete(ctx, models.ResourceTypeObservation, "obs-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	item, err := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if item.Operation != models.OpDelete || item.BaseVersion != 3 {
		t.Errorf("expected delete based on the confirmed version, got %+v", item)
	}
	if item.Priority != models.PriorityUrgent {
		t.Errorf("deletes enqueue urgent, got %d", item.Priority)
	}
}

func TestEngine_PullAppliesRemote(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1", "status": "final"},
		Version:      3,
	})

	applied, err := e.Pull(ctx)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied change, got %d", applied)
	}

	res, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if res.Fields["status"] != "final" {
		t.Errorf("remote payload not applied: %v", res.Fields)
	}

	rec, _ := e.store.Record(ctx, models.ResourceTypeObservation, "obs-1")
	if rec.Version != 3 || rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("remote change should land synced at the remote version, got %+v", rec)
	}
}

func TestEngine_PullRemoteDelete(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1"},
		Version:      1,
	})
	e.Pull(ctx)

	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Version:      2,
		Deleted:      true,
	})
	if _, err := e.Pull(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	if _, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("remote delete not applied, got %v", err)
	}
}

func TestEngine_PullDivergenceRaisesConflict(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	// Local pending edit and a remote edit to the same field.
	e.Put(ctx, observation("obs-1", "draft"))
	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1", "status": "final"},
		Version:      2,
	})

	if _, err := e.Pull(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	// Same field changed on both sides: merge defers to a human.
	open, err := e.Conflicts(ctx, false)
	if err != nil {
		t.Fatalf("conflict list failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}
	c := open[0]
	if c.LocalFields["status"] != "draft" || c.RemoteFields["status"] != "final" {
		t.Errorf("conflict sides wrong: %+v", c)
	}
	if c.RemoteVersion != 2 {
		t.Errorf("unexpected remote version %d", c.RemoteVersion)
	}

	rec, _ := e.store.Record(ctx, models.ResourceTypeObservation, "obs-1")
	if rec.SyncStatus != models.SyncStatusConflict {
		t.Errorf("record should be flagged conflicted, got %s", rec.SyncStatus)
	}
	if _, err := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("conflicted item should leave the queue, got %v", err)
	}
}

func TestEngine_PullDivergenceOnFailedRecord(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	// The local edit exhausted its retries and sits in the failed queue.
	e.Put(ctx, observation("obs-1", "draft"))
	item, _ := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	if err := e.queue.FailTerminal(ctx, item, errors.New("bad gateway")); err != nil {
		t.Fatalf("fail terminal failed: %v", err)
	}
	if err := e.store.SetSyncStatus(ctx, models.ResourceTypeObservation, "obs-1", models.SyncStatusFailed); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1", "status": "final"},
		Version:      2,
	})
	if _, err := e.Pull(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	// The unpushed edit is never silently replaced by the remote payload.
	res, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if res.Fields["status"] != "draft" {
		t.Errorf("failed edit overwritten by pull: %v", res.Fields)
	}

	open, err := e.Conflicts(ctx, false)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d (%v)", len(open), err)
	}
	if open[0].RemoteVersion != 2 {
		t.Errorf("unexpected remote version %d", open[0].RemoteVersion)
	}

	// The dead queue entry folds into the conflict flow.
	_, failed, err := e.queue.Counts(ctx)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if failed != 0 {
		t.Errorf("expected the failed item absorbed into the conflict, %d left", failed)
	}
}

func TestEngine_GetQuarantinePublishesEvent(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))
	ch, cancel := e.Subscribe(events.RecordQuarantined)
	defer cancel()

	if _, err := e.store.DB().Exec(`UPDATE records SET ciphertext = X'DEADBEEF' WHERE resource_id = 'obs-1'`); err != nil {
		t.Fatalf("corrupt record failed: %v", err)
	}

	_, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	var ierr *models.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}

	select {
	case ev := <-ch:
		key, ok := ev.Payload.(models.ResourceKey)
		if !ok || key.ID != "obs-1" || key.Type != models.ResourceTypeObservation {
			t.Errorf("unexpected event payload %+v", ev.Payload)
		}
	default:
		t.Error("expected a quarantine event on the bus")
	}
}

func TestEngine_RequeueFailedMarksQueued(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))
	item, _ := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	e.queue.FailTerminal(ctx, item, errors.New("bad gateway"))
	e.store.SetSyncStatus(ctx, models.ResourceTypeObservation, "obs-1", models.SyncStatusFailed)

	failed, err := e.FailedItems(ctx)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 failed item, got %d (%v)", len(failed), err)
	}
	if err := e.RequeueFailed(ctx, failed[0].ID); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	rec, _ := e.store.Record(ctx, models.ResourceTypeObservation, "obs-1")
	if rec.SyncStatus != models.SyncStatusQueued {
		t.Errorf("requeued record should be tagged queued, got %s", rec.SyncStatus)
	}
	pending, failedCount, err := e.queue.Counts(ctx)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if pending != 1 || failedCount != 0 {
		t.Errorf("expected 1 live item and no failed items, got %d/%d", pending, failedCount)
	}
}

func TestEngine_PullNonOverlappingEditsAutoMerge(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	// Confirmed base, then a local edit to one field and a remote edit to
	// another.
	e.Put(ctx, observation("obs-1", "draft"))
	item, _ := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	e.queue.Remove(ctx, item.ID)
	e.store.MarkSynced(ctx, models.ResourceTypeObservation, "obs-1", 1, 1, observation("obs-1", "draft").Fields)

	local := observation("obs-1", "final")
	e.Put(ctx, local)

	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields: map[string]interface{}{
			"patientId": "pat-1",
			"status":    "draft",
			"performer": "dr-lee",
		},
		Version: 2,
	})

	if _, err := e.Pull(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	// The merge strategy resolves without an operator.
	open, _ := e.Conflicts(ctx, false)
	if len(open) != 0 {
		t.Fatalf("expected auto-resolution, %d conflicts still open", len(open))
	}
	resolved, _ := e.Conflicts(ctx, true)
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved conflict, got %d", len(resolved))
	}

	res, err := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if res.Fields["status"] != "final" || res.Fields["performer"] != "dr-lee" {
		t.Errorf("merged payload wrong: %v", res.Fields)
	}

	// The merged payload is queued for push rebased onto the remote version.
	item, err = e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if item.Operation != models.OpUpdate || item.BaseVersion != 2 {
		t.Errorf("merge should rebase onto the remote version, got %+v", item)
	}
}

func raiseTestConflict(t *testing.T, e *Engine, client *stubClient) *models.Conflict {
	t.Helper()
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))
	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1", "status": "final"},
		Version:      2,
	})
	if _, err := e.Pull(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	open, err := e.Conflicts(ctx, false)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d (%v)", len(open), err)
	}
	return open[0]
}

func TestEngine_ResolveConflictKeepRemote(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()
	c := raiseTestConflict(t, e, client)

	res, err := e.ResolveConflict(ctx, c.ID, models.ResolveKeepRemote, nil, "dr-kim")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.ResolvedBy != "dr-kim" {
		t.Errorf("resolver not recorded: %+v", res)
	}

	got, _ := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if got.Fields["status"] != "final" {
		t.Errorf("remote payload should win: %v", got.Fields)
	}
	rec, _ := e.store.Record(ctx, models.ResourceTypeObservation, "obs-1")
	if rec.Version != 2 || rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("record should land at the remote version, got %+v", rec)
	}

	// A second resolution attempt is rejected.
	if _, err := e.ResolveConflict(ctx, c.ID, models.ResolveKeepLocal, nil, "dr-lee"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected ErrConflict for a re-resolution, got %v", err)
	}
}

func TestEngine_ResolveConflictKeepLocal(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()
	c := raiseTestConflict(t, e, client)

	if _, err := e.ResolveConflict(ctx, c.ID, models.ResolveKeepLocal, nil, "dr-kim"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	got, _ := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if got.Fields["status"] != "draft" {
		t.Errorf("local payload should win: %v", got.Fields)
	}

	// The winning payload pushes rebased onto the remote version.
	item, err := e.queue.PendingFor(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if item.Operation != models.OpUpdate || item.BaseVersion != 2 {
		t.Errorf("expected update rebased to v2, got %+v", item)
	}
}

func TestEngine_ResolveConflictManualNeedsPayload(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()
	c := raiseTestConflict(t, e, client)

	if _, err := e.ResolveConflict(ctx, c.ID, models.ResolveManual, nil, "dr-kim"); err == nil {
		t.Fatal("manual resolution without a payload must fail")
	}

	fields := map[string]interface{}{"patientId": "pat-1", "status": "amended"}
	if _, err := e.ResolveConflict(ctx, c.ID, models.ResolveManual, fields, "dr-kim"); err != nil {
		t.Fatalf("manual resolution failed: %v", err)
	}
	got, _ := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if got.Fields["status"] != "amended" {
		t.Errorf("manual payload not applied: %v", got.Fields)
	}
}

func TestEngine_ResolveConflictKeepBoth(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()
	c := raiseTestConflict(t, e, client)

	if _, err := e.ResolveConflict(ctx, c.ID, models.ResolveKeepBoth, nil, "dr-kim"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// The original id carries the remote payload.
	got, _ := e.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if got.Fields["status"] != "final" {
		t.Errorf("original id should carry the remote payload: %v", got.Fields)
	}

	// The local edit survives under a fresh identity.
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != models.OpCreate {
		t.Fatalf("expected one queued create for the duplicate, got %+v", pending)
	}
	dup, err := e.Get(ctx, models.ResourceTypeObservation, pending[0].ResourceID)
	if err != nil {
		t.Fatalf("duplicate lookup failed: %v", err)
	}
	if dup.Fields["duplicateOf"] != "obs-1" || dup.Fields["status"] != "draft" {
		t.Errorf("duplicate payload wrong: %v", dup.Fields)
	}
}

func TestEngine_OfflinePullIsNoop(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	client.serve(remote.Resource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1"},
		Version:      1,
	})

	e.SetOnline(false)
	applied, err := e.Pull(ctx)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("offline pull must apply nothing, got %d", applied)
	}
}

func TestEngine_Status(t *testing.T) {
	e, client := testEngine(t)
	ctx := context.Background()

	e.Put(ctx, observation("obs-1", "draft"))
	raiseTestConflictStatus := func() {
		client.serve(remote.Resource{
			ResourceType: models.ResourceTypeObservation,
			ID:           "obs-1",
			Fields:       map[string]interface{}{"patientId": "pat-1", "status": "final"},
			Version:      2,
		})
		e.Pull(ctx)
	}
	raiseTestConflictStatus()

	status, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Online {
		t.Error("engine should report online")
	}
	if status.OpenConflicts != 1 {
		t.Errorf("expected 1 open conflict, got %d", status.OpenConflicts)
	}
	if status.StoredResources != 1 {
		t.Errorf("expected 1 stored resource, got %d", status.StoredResources)
	}
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	if err := e.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := e.Put(ctx, observation("obs-1", "draft")); !errors.Is(err, models.ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := e.Pull(ctx); !errors.Is(err, models.ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}
