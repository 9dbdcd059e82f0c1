package retention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/savegress/chartsync/internal/conflict"
	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/internal/keystore"
	"github.com/savegress/chartsync/internal/store"
	"github.com/savegress/chartsync/pkg/models"
)

type retentionEnv struct {
	store     *store.Store
	conflicts *conflict.Manager
	manager   *Manager
}

func testEnv(t *testing.T, maxSize int64) *retentionEnv {
	t.Helper()
	keys, err := keystore.New("test-passphrase", "test-salt", 90)
	if err != nil {
		t.Fatalf("failed to create keystore: %v", err)
	}
	st, err := store.Open(t.TempDir(), keys, maxSize)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	conflicts, err := conflict.NewManager(st.DB(), bus, 0, 0)
	if err != nil {
		t.Fatalf("failed to create conflict manager: %v", err)
	}

	strategyFor := func(rt models.ResourceType) models.SyncStrategy {
		policy := models.CachePolicy{
			Priority:         models.CachePriorityLow,
			ActiveWindow:     time.Hour,
			HistoricalWindow: 24 * time.Hour,
		}
		if rt == models.ResourceTypePatient {
			policy.Priority = models.CachePriorityCritical
		}
		return models.SyncStrategy{Direction: models.DirectionBidirectional, Cache: policy}
	}

	m := NewManager(st, conflicts, bus, strategyFor, 0, time.Hour, 2)
	st.SetSweepFunc(m.FreeSpace)
	return &retentionEnv{store: st, conflicts: conflicts, manager: m}
}

// putSynced writes a resource and confirms it, leaving it eligible for
// retention decisions.
func putSynced(t *testing.T, st *store.Store, rt models.ResourceType, id string, fields map[string]interface{}) {
	t.Helper()
	ctx := context.Background()
	if fields == nil {
		fields = map[string]interface{}{"patientId": "pat-1"}
	}
	_, err := st.Put(ctx, &models.ClinicalResource{ResourceType: rt, ID: id, Fields: fields}, "tester")
	if err != nil {
		t.Fatalf("put %s failed: %v", id, err)
	}
	if err := st.MarkSynced(ctx, rt, id, 1, 1, fields); err != nil {
		t.Fatalf("mark synced %s failed: %v", id, err)
	}
}

// ageRecord backdates a record's last-modified time so it falls outside
// retention windows.
func ageRecord(t *testing.T, st *store.Store, rt models.ResourceType, id string, age time.Duration) {
	t.Helper()
	_, err := st.DB().Exec(`UPDATE records SET last_modified = ? WHERE resource_type = ? AND resource_id = ?`,
		time.Now().Add(-age).UnixNano(), rt, id)
	if err != nil {
		t.Fatalf("backdate %s failed: %v", id, err)
	}
}

func TestManager_SweepEvictsExpired(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	putSynced(t, env.store, models.ResourceTypeObservation, "obs-old", nil)
	putSynced(t, env.store, models.ResourceTypeObservation, "obs-new", nil)
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-old", 48*time.Hour)

	n, err := env.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := env.store.Record(ctx, models.ResourceTypeObservation, "obs-old"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expired record should be evicted, got %v", err)
	}
	if _, err := env.store.Record(ctx, models.ResourceTypeObservation, "obs-new"); err != nil {
		t.Errorf("recent record should survive: %v", err)
	}
}

func TestManager_SweepSkipsPendingEdits(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	// Written but never confirmed: the only copy of the edit is local.
	_, err := env.store.Put(ctx, &models.ClinicalResource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-pending",
		Fields:       map[string]interface{}{"patientId": "pat-1"},
	}, "tester")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-pending", 48*time.Hour)

	n, err := env.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending edit must never be evicted, evicted %d", n)
	}
}

func TestManager_SweepSkipsOpenConflicts(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	putSynced(t, env.store, models.ResourceTypeObservation, "obs-1", nil)
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-1", 48*time.Hour)

	err := env.conflicts.Record(ctx, &models.Conflict{
		ResourceType:   models.ResourceTypeObservation,
		ResourceID:     "obs-1",
		LocalVersion:   2,
		RemoteVersion:  3,
		BaseVersion:    1,
		LocalModified:  time.Now(),
		RemoteModified: time.Now(),
	})
	if err != nil {
		t.Fatalf("record conflict failed: %v", err)
	}

	n, err := env.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("conflicted record must never be evicted, evicted %d", n)
	}
}

func TestManager_SweepSkipsEpisodeGraph(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	putSynced(t, env.store, models.ResourceTypeEncounter, "enc-1", map[string]interface{}{"patientId": "pat-1"})
	putSynced(t, env.store, models.ResourceTypeObservation, "obs-1", map[string]interface{}{
		"patientId":  "pat-1",
		"parentType": "Encounter",
		"parentId":   "enc-1",
	})
	ageRecord(t, env.store, models.ResourceTypeEncounter, "enc-1", 48*time.Hour)
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-1", 48*time.Hour)

	root := models.ResourceKey{Type: models.ResourceTypeEncounter, ID: "enc-1"}
	if err := env.store.SetEpisodeRoot(ctx, root, true); err != nil {
		t.Fatalf("set episode root failed: %v", err)
	}

	n, err := env.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("episode graph must be protected, evicted %d", n)
	}

	// Closing the episode releases the protection.
	if err := env.store.SetEpisodeRoot(ctx, root, false); err != nil {
		t.Fatalf("clear episode root failed: %v", err)
	}
	n, err = env.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected both records evicted after episode close, got %d", n)
	}
}

func TestManager_FreeSpaceOrder(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	// Patient carries the critical tier; observations are low tier.
	putSynced(t, env.store, models.ResourceTypePatient, "pat-1", map[string]interface{}{"name": "A"})
	putSynced(t, env.store, models.ResourceTypeObservation, "obs-older", nil)
	putSynced(t, env.store, models.ResourceTypeObservation, "obs-newer", nil)
	ageRecord(t, env.store, models.ResourceTypePatient, "pat-1", 10*time.Hour)
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-older", 6*time.Hour)
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-newer", 3*time.Hour)

	freed, err := env.manager.FreeSpace(ctx, 1, models.ResourceKey{})
	if err != nil {
		t.Fatalf("free space failed: %v", err)
	}
	if freed <= 0 {
		t.Fatal("expected bytes freed")
	}

	// The lowest tier's oldest record goes first.
	if _, err := env.store.Record(ctx, models.ResourceTypeObservation, "obs-older"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("oldest low-tier record should be evicted first, got %v", err)
	}
	if _, err := env.store.Record(ctx, models.ResourceTypeObservation, "obs-newer"); err != nil {
		t.Errorf("newer record should survive a 1-byte request: %v", err)
	}
	if _, err := env.store.Record(ctx, models.ResourceTypePatient, "pat-1"); err != nil {
		t.Errorf("critical-tier record should outlast low tier: %v", err)
	}
}

func TestManager_FreeSpaceSkipsRecordBeingWritten(t *testing.T) {
	env := testEnv(t, 4096)
	ctx := context.Background()

	filler := strings.Repeat("x", 1800)
	putSynced(t, env.store, models.ResourceTypeObservation, "obs-1", map[string]interface{}{
		"patientId": "pat-1",
		"filler":    filler,
	})
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-1", 2*time.Hour)

	// Growing the only evictable record past the budget must not let the
	// sweep target the record mid-write; with nothing else to free, the put
	// fails cleanly.
	_, err := env.store.Put(ctx, &models.ClinicalResource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields:       map[string]interface{}{"patientId": "pat-1", "filler": strings.Repeat("y", 4200)},
	}, "tester")
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	got, err := env.store.Get(ctx, models.ResourceTypeObservation, "obs-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Fields["filler"] != filler {
		t.Error("rejected write must leave the stored payload intact")
	}
}

func TestManager_FreeSpaceForWriteEvictsOthers(t *testing.T) {
	env := testEnv(t, 4096)
	ctx := context.Background()

	putSynced(t, env.store, models.ResourceTypeObservation, "obs-old", map[string]interface{}{
		"patientId": "pat-1",
		"filler":    strings.Repeat("x", 1800),
	})
	putSynced(t, env.store, models.ResourceTypeObservation, "obs-live", nil)
	ageRecord(t, env.store, models.ResourceTypeObservation, "obs-old", 6*time.Hour)

	// Growing the live record past the budget evicts the old one, not the
	// record being written.
	_, err := env.store.Put(ctx, &models.ClinicalResource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-live",
		Fields:       map[string]interface{}{"patientId": "pat-1", "filler": strings.Repeat("y", 2500)},
	}, "tester")
	if err != nil {
		t.Fatalf("put under quota pressure failed: %v", err)
	}
	if _, err := env.store.Record(ctx, models.ResourceTypeObservation, "obs-old"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected the old record to be evicted, got %v", err)
	}
	got, err := env.store.Get(ctx, models.ResourceTypeObservation, "obs-live")
	if err != nil {
		t.Fatalf("grown record should be readable: %v", err)
	}
	if got.Fields["filler"] == nil {
		t.Error("grown record lost its payload")
	}
}

func TestManager_PrefetchWalksGraph(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	// Local encounter references a report that is not cached yet.
	putSynced(t, env.store, models.ResourceTypeEncounter, "enc-1", map[string]interface{}{
		"patientId":  "pat-1",
		"references": []interface{}{"DiagnosticReport/rep-1"},
	})

	var fetched []models.ResourceKey
	env.manager.SetFetcher(func(ctx context.Context, key models.ResourceKey) error {
		fetched = append(fetched, key)
		return nil
	}, func() bool { return true })

	n, err := env.manager.Prefetch(ctx, models.ResourceKey{Type: models.ResourceTypeEncounter, ID: "enc-1"}, 1)
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}
	if n != 1 || len(fetched) != 1 {
		t.Fatalf("expected 1 fetch, got %d (%v)", n, fetched)
	}
	if fetched[0].Type != models.ResourceTypeDiagnosticReport || fetched[0].ID != "rep-1" {
		t.Errorf("unexpected fetch target %v", fetched[0])
	}
}

func TestManager_PrefetchRespectsGate(t *testing.T) {
	env := testEnv(t, 0)
	ctx := context.Background()

	putSynced(t, env.store, models.ResourceTypeEncounter, "enc-1", map[string]interface{}{
		"patientId":  "pat-1",
		"references": []interface{}{"DiagnosticReport/rep-1"},
	})

	calls := 0
	env.manager.SetFetcher(func(ctx context.Context, key models.ResourceKey) error {
		calls++
		return nil
	}, func() bool { return false })

	n, err := env.manager.Prefetch(ctx, models.ResourceKey{Type: models.ResourceTypeEncounter, ID: "enc-1"}, 1)
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}
	if n != 0 || calls != 0 {
		t.Errorf("gated prefetch must not fetch, got %d fetches", calls)
	}
}
