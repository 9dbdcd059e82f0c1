// Package conflict detects divergence between local pending edits and
// independently advanced remote versions, and resolves it under the
// per-resource-type strategy. Conflicts persist in the store's database so
// an unresolved conflict survives a restart.
package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/pkg/models"
)

// Manager owns conflict records and their lifecycle
type Manager struct {
	db  *sql.DB
	bus *events.Bus

	// Escalation thresholds: pending conflicts older than escalateAfter, or
	// past the per-session count limit, surface in the operator queue.
	escalateAfter time.Duration
	sessionLimit  int

	mu           sync.Mutex
	sessionCount int
}

// NewManager creates the conflict store.
func NewManager(db *sql.DB, bus *events.Bus, escalateAfter time.Duration, sessionLimit int) (*Manager, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		local_version INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		base_version INTEGER NOT NULL,
		local_fields TEXT,
		remote_fields TEXT,
		base_fields TEXT,
		local_deleted INTEGER NOT NULL DEFAULT 0,
		remote_deleted INTEGER NOT NULL DEFAULT 0,
		local_modified INTEGER NOT NULL,
		remote_modified INTEGER NOT NULL,
		detected_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		resolution TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resource ON conflicts(resource_type, resource_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Manager{
		db:            db,
		bus:           bus,
		escalateAfter: escalateAfter,
		sessionLimit:  sessionLimit,
	}, nil
}

// Detect compares local and remote state sharing a base version and returns
// a Conflict when they diverged, or nil when they did not. A divergence
// exists only when the local side has an unconfirmed edit (pending, queued
// or already conflicted) and the remote version advanced past the shared
// base.
func Detect(localStatus models.SyncStatus, localVersion, remoteVersion, baseVersion int64) bool {
	switch localStatus {
	case models.SyncStatusPending, models.SyncStatusQueued, models.SyncStatusConflict:
	default:
		return false
	}
	return remoteVersion > baseVersion && localVersion > baseVersion
}

// Record persists a new conflict and announces it. The same open conflict
// is not duplicated for a resource; the newer remote state replaces it.
func (m *Manager) Record(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	c.Status = models.ConflictPending

	m.mu.Lock()
	m.sessionCount++
	overLimit := m.sessionLimit > 0 && m.sessionCount > m.sessionLimit
	m.mu.Unlock()
	if overLimit {
		c.Status = models.ConflictEscalated
	}

	localJSON, _ := json.Marshal(c.LocalFields)
	remoteJSON, _ := json.Marshal(c.RemoteFields)
	baseJSON, _ := json.Marshal(c.BaseFields)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conflicts WHERE resource_type = ? AND resource_id = ? AND status != ?`,
		c.ResourceType, c.ResourceID, string(models.ConflictResolved)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts (id, resource_type, resource_id, local_version, remote_version, base_version,
			local_fields, remote_fields, base_fields, local_deleted, remote_deleted,
			local_modified, remote_modified, detected_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ResourceType, c.ResourceID, c.LocalVersion, c.RemoteVersion, c.BaseVersion,
		string(localJSON), string(remoteJSON), string(baseJSON),
		boolToInt(c.LocalDeleted), boolToInt(c.RemoteDeleted),
		c.LocalModified.UnixNano(), c.RemoteModified.UnixNano(),
		c.DetectedAt.UnixNano(), string(c.Status)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	m.bus.Publish(events.ConflictDetected, c)
	return nil
}

// Get returns a conflict by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Conflict, error) {
	rows, err := m.db.QueryContext(ctx, selectConflicts+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list, err := scanConflicts(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, models.ErrNotFound
	}
	return list[0], nil
}

// List returns conflicts filtered by resolution state.
func (m *Manager) List(ctx context.Context, resolved bool) ([]*models.Conflict, error) {
	var rows *sql.Rows
	var err error
	if resolved {
		rows, err = m.db.QueryContext(ctx, selectConflicts+` WHERE status = ? ORDER BY detected_at ASC`,
			string(models.ConflictResolved))
	} else {
		rows, err = m.db.QueryContext(ctx, selectConflicts+` WHERE status != ? ORDER BY detected_at ASC`,
			string(models.ConflictResolved))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// OpenFor reports whether a resource has an unresolved conflict.
func (m *Manager) OpenFor(ctx context.Context, rt models.ResourceType, id string) (bool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts
		WHERE resource_type = ? AND resource_id = ? AND status != ?`,
		rt, id, string(models.ConflictResolved))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// OpenCount returns the number of unresolved conflicts.
func (m *Manager) OpenCount(ctx context.Context) (int, error) {
	row := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE status != ?`,
		string(models.ConflictResolved))
	var n int
	err := row.Scan(&n)
	return n, err
}

// SaveResolution marks a conflict resolved with its immutable outcome and
// announces it. A conflict already resolved stays as first written.
func (m *Manager) SaveResolution(ctx context.Context, id string, res *models.Resolution) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, resolution = ?
		WHERE id = ? AND status != ?`,
		string(models.ConflictResolved), string(data), id, string(models.ConflictResolved))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	m.bus.Publish(events.ConflictResolved, map[string]interface{}{"id": id, "resolution": res})
	return nil
}

// Escalate marks a conflict escalated for the operator review queue.
func (m *Manager) Escalate(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE conflicts SET status = ? WHERE id = ? AND status = ?`,
		string(models.ConflictEscalated), id, string(models.ConflictPending))
	return err
}

// EscalateStale escalates pending conflicts older than the configured
// window. Escalation never applies a default resolution.
func (m *Manager) EscalateStale(ctx context.Context, now time.Time) (int, error) {
	if m.escalateAfter <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-m.escalateAfter)
	result, err := m.db.ExecContext(ctx, `
		UPDATE conflicts SET status = ? WHERE status = ? AND detected_at < ?`,
		string(models.ConflictEscalated), string(models.ConflictPending), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

const selectConflicts = `
	SELECT id, resource_type, resource_id, local_version, remote_version, base_version,
		local_fields, remote_fields, base_fields, local_deleted, remote_deleted,
		local_modified, remote_modified, detected_at, status, resolution
	FROM conflicts`

func scanConflicts(rows *sql.Rows) ([]*models.Conflict, error) {
	var out []*models.Conflict
	for rows.Next() {
		c := &models.Conflict{}
		var localJSON, remoteJSON, baseJSON, status sql.NullString
		var resolutionJSON sql.NullString
		var localDeleted, remoteDeleted int
		var localMod, remoteMod, detected int64
		if err := rows.Scan(&c.ID, &c.ResourceType, &c.ResourceID, &c.LocalVersion, &c.RemoteVersion,
			&c.BaseVersion, &localJSON, &remoteJSON, &baseJSON, &localDeleted, &remoteDeleted,
			&localMod, &remoteMod, &detected, &status, &resolutionJSON); err != nil {
			return nil, err
		}
		c.LocalDeleted = localDeleted == 1
		c.RemoteDeleted = remoteDeleted == 1
		c.LocalModified = time.Unix(0, localMod)
		c.RemoteModified = time.Unix(0, remoteMod)
		c.DetectedAt = time.Unix(0, detected)
		c.Status = models.ConflictStatus(status.String)
		if localJSON.Valid {
			json.Unmarshal([]byte(localJSON.String), &c.LocalFields)
		}
		if remoteJSON.Valid {
			json.Unmarshal([]byte(remoteJSON.String), &c.RemoteFields)
		}
		if baseJSON.Valid {
			json.Unmarshal([]byte(baseJSON.String), &c.BaseFields)
		}
		if resolutionJSON.Valid && resolutionJSON.String != "" {
			var res models.Resolution
			if err := json.Unmarshal([]byte(resolutionJSON.String), &res); err == nil {
				c.Resolution = &res
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
