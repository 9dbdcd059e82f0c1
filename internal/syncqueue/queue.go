// Package syncqueue turns local mutations into an ordered, retryable stream
// of remote operations. The queue is durable (it shares the store's SQLite
// file) so pending work survives a restart, and mutations to the same
// resource coalesce before dispatch.
package syncqueue

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/chartsync/pkg/models"
)

// Queue is the durable sync queue
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// NewQueue creates the queue tables if needed.
func NewQueue(db *sql.DB) (*Queue, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt INTEGER,
		next_attempt INTEGER,
		error TEXT,
		failed INTEGER NOT NULL DEFAULT 0,
		generation INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_resource ON sync_queue(resource_type, resource_id) WHERE failed = 0;
	CREATE INDEX IF NOT EXISTS idx_queue_due ON sync_queue(failed, next_attempt, priority);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Queue{db: db}, nil
}

// Enqueue adds a remote operation, coalescing with any pending item for the
// same resource: the latest mutation wins, except a delete, which is
// terminal and cannot be superseded.
func (q *Queue) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.Operation == models.OpDelete {
		item.Priority = models.PriorityUrgent
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, operation, priority FROM sync_queue
		WHERE resource_type = ? AND resource_id = ? AND failed = 0`,
		item.ResourceType, item.ResourceID)

	var existingID, existingOp string
	var existingPriority int
	err = row.Scan(&existingID, &existingOp, &existingPriority)
	switch {
	case err == sql.ErrNoRows:
		op := item.Operation
		// A create that was never pushed collapses a later update into a
		// create; the remote has never seen the resource.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_queue (id, resource_type, resource_id, operation, base_version, priority, created_at, next_attempt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.ResourceType, item.ResourceID, string(op), item.BaseVersion,
			item.Priority, item.CreatedAt.UnixNano(), item.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if models.SyncOperation(existingOp) == models.OpDelete {
			// Delete wins over any later mutation.
			return tx.Commit()
		}
		op := item.Operation
		if models.SyncOperation(existingOp) == models.OpCreate && op == models.OpUpdate {
			op = models.OpCreate
		}
		priority := item.Priority
		if existingPriority > priority {
			priority = existingPriority
		}
		// The base version stays at the first pending mutation's base: the
		// remote never saw the intermediate local versions. The generation
		// bump lets an in-flight dispatch notice the row changed under it.
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET operation = ?, priority = ?, attempts = 0, error = NULL, next_attempt = ?, generation = generation + 1
			WHERE id = ?`,
			string(op), priority, time.Now().UnixNano(), existingID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Due returns up to limit pending items of a resource type whose retry
// delay has elapsed, ordered by priority then age.
func (q *Queue) Due(ctx context.Context, rt models.ResourceType, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, operation, base_version, priority, attempts, last_attempt, next_attempt, error, generation, created_at
		FROM sync_queue
		WHERE failed = 0 AND resource_type = ? AND (next_attempt IS NULL OR next_attempt <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, rt, now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// DueTypes returns the resource types that currently have dispatchable work.
func (q *Queue) DueTypes(ctx context.Context, now time.Time) ([]models.ResourceType, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT resource_type FROM sync_queue
		WHERE failed = 0 AND (next_attempt IS NULL OR next_attempt <= ?)
		ORDER BY resource_type`, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ResourceType
	for rows.Next() {
		var rt string
		if err := rows.Scan(&rt); err != nil {
			return nil, err
		}
		out = append(out, models.ResourceType(rt))
	}
	return out, rows.Err()
}

// Remove dequeues an item after successful dispatch or conflict hand-off.
func (q *Queue) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// Release dequeues an item only if its row is unchanged since dispatch.
// Reports false when a later mutation coalesced into the row mid-flight; the
// row stays queued so the new edit is never dropped.
func (q *Queue) Release(ctx context.Context, item *models.SyncQueueItem) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND generation = ?`, item.ID, item.Generation)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Rebase advances an item's base version after the remote confirmed a push
// of an earlier local version of the same resource. The remote now knows the
// resource, so a queued create turns into an update.
func (q *Queue) Rebase(ctx context.Context, id string, baseVersion int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET base_version = ?,
		    operation = CASE operation WHEN ? THEN ? ELSE operation END
		WHERE id = ? AND failed = 0`,
		baseVersion, string(models.OpCreate), string(models.OpUpdate), id)
	return err
}

// Fail records a dispatch failure: retries are scheduled under the type's
// backoff policy until attempts are exhausted, then the item moves to the
// failed queue for operator visibility. It is never silently dropped.
func (q *Queue) Fail(ctx context.Context, item *models.SyncQueueItem, dispatchErr error, policy models.RetryPolicy) (failed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	attempts := item.Attempts + 1
	msg := ""
	if dispatchErr != nil {
		msg = dispatchErr.Error()
	}

	if attempts >= policy.MaxAttempts {
		_, err = q.db.ExecContext(ctx, `
			UPDATE sync_queue SET attempts = ?, last_attempt = ?, error = ?, failed = 1
			WHERE id = ?`, attempts, now.UnixNano(), msg, item.ID)
		return true, err
	}

	next := now.Add(Backoff(policy, attempts))
	_, err = q.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = ?, last_attempt = ?, next_attempt = ?, error = ?
		WHERE id = ?`, attempts, now.UnixNano(), next.UnixNano(), msg, item.ID)
	return false, err
}

// FailTerminal moves an item straight to the failed queue, bypassing
// retries. Used for non-retryable errors such as authorization failures.
func (q *Queue) FailTerminal(ctx context.Context, item *models.SyncQueueItem, dispatchErr error) error {
	msg := ""
	if dispatchErr != nil {
		msg = dispatchErr.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = attempts + 1, last_attempt = ?, error = ?, failed = 1
		WHERE id = ?`, time.Now().UnixNano(), msg, item.ID)
	return err
}

// Pending returns every live queue item, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*models.SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, operation, base_version, priority, attempts, last_attempt, next_attempt, error, generation, created_at
		FROM sync_queue WHERE failed = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// Failed returns the failed queue.
func (q *Queue) Failed(ctx context.Context) ([]*models.SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, operation, base_version, priority, attempts, last_attempt, next_attempt, error, generation, created_at
		FROM sync_queue WHERE failed = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// RequeueFailed moves a failed item back to the pending queue with its
// attempt counter reset and returns it. Operator action.
func (q *Queue) RequeueFailed(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET failed = 0, attempts = 0, error = NULL, next_attempt = ?
		WHERE id = ? AND failed = 1`, time.Now().UnixNano(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrNotFound
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, operation, base_version, priority, attempts, last_attempt, next_attempt, error, generation, created_at
		FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, models.ErrNotFound
	}
	return items[0], nil
}

// Counts returns pending and failed item counts.
func (q *Queue) Counts(ctx context.Context) (pending, failed int, err error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0)
		FROM sync_queue`)
	err = row.Scan(&pending, &failed)
	return pending, failed, err
}

// PendingFor returns the live queue item for a resource, if any.
func (q *Queue) PendingFor(ctx context.Context, rt models.ResourceType, id string) (*models.SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, operation, base_version, priority, attempts, last_attempt, next_attempt, error, generation, created_at
		FROM sync_queue WHERE failed = 0 AND resource_type = ? AND resource_id = ?`, rt, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, models.ErrNotFound
	}
	return items[0], nil
}

// FailedFor returns the failed queue item for a resource, if any.
func (q *Queue) FailedFor(ctx context.Context, rt models.ResourceType, id string) (*models.SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, operation, base_version, priority, attempts, last_attempt, next_attempt, error, generation, created_at
		FROM sync_queue WHERE failed = 1 AND resource_type = ? AND resource_id = ?`, rt, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, models.ErrNotFound
	}
	return items[0], nil
}

// Backoff computes the retry delay after the given number of attempts:
// min(maxBackoff, initialDelay * multiplier^attempts).
func Backoff(policy models.RetryPolicy, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempts))
	if max := float64(policy.MaxBackoff); policy.MaxBackoff > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func scanItems(rows *sql.Rows) ([]*models.SyncQueueItem, error) {
	var out []*models.SyncQueueItem
	for rows.Next() {
		item := &models.SyncQueueItem{}
		var op string
		var lastAttempt, nextAttempt sql.NullInt64
		var errMsg sql.NullString
		var created int64
		if err := rows.Scan(&item.ID, &item.ResourceType, &item.ResourceID, &op, &item.BaseVersion,
			&item.Priority, &item.Attempts, &lastAttempt, &nextAttempt, &errMsg, &item.Generation, &created); err != nil {
			return nil, err
		}
		item.Operation = models.SyncOperation(op)
		item.CreatedAt = time.Unix(0, created)
		if lastAttempt.Valid {
			t := time.Unix(0, lastAttempt.Int64)
			item.LastAttempt = &t
		}
		if nextAttempt.Valid {
			t := time.Unix(0, nextAttempt.Int64)
			item.NextAttempt = &t
		}
		if errMsg.Valid {
			item.Error = errMsg.String
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
