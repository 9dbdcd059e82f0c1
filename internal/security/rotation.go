package security

import (
	"context"
	"fmt"
	"time"

	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/internal/keystore"
	"github.com/savegress/chartsync/internal/store"
	"github.com/savegress/chartsync/pkg/models"
)

// Rotator drives the key rotation schedule. Rotation activates a new master
// key version without a global lock; records re-encrypt lazily on next
// access, with a background sweep catching the rest. A record the sweep
// cannot read keeps its prior key valid until next touch.
type Rotator struct {
	keys  *keystore.KeyStore
	store *store.Store
	audit *AuditLogger
	bus   *events.Bus
}

// NewRotator creates a rotation driver.
func NewRotator(keys *keystore.KeyStore, st *store.Store, audit *AuditLogger, bus *events.Bus) *Rotator {
	return &Rotator{keys: keys, store: st, audit: audit, bus: bus}
}

// RotateKeys activates a new key version and sweeps stale records.
func (r *Rotator) RotateKeys(ctx context.Context) (int, error) {
	version := r.keys.Rotate()

	r.audit.Log(&models.AccessLogEntry{
		Actor:  ActorFrom(ctx),
		Action: "key-rotation",
		Detail: fmt.Sprintf("master key advanced to v%d", version),
	})
	r.bus.Publish(events.KeysRotated, map[string]int{"keyVersion": version})

	migrated, err := r.store.ReencryptStale(ctx)
	if err != nil {
		return migrated, err
	}
	return migrated, nil
}

// MaybeRotate rotates when the schedule says it is due.
func (r *Rotator) MaybeRotate(ctx context.Context, now time.Time) (bool, error) {
	schedule := r.keys.Schedule()
	if !schedule.Due(now) {
		return false, nil
	}
	_, err := r.RotateKeys(ctx)
	return true, err
}

// Schedule exposes the current rotation schedule.
func (r *Rotator) Schedule() models.KeyRotationSchedule {
	return r.keys.Schedule()
}
