package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"reflect"
	"time"

	"github.com/savegress/chartsync/pkg/models"
)

// DiffFields computes the field-level change set from base to next. A nil
// base treats every field of next as added.
func DiffFields(base, next map[string]interface{}) *models.ChangeSet {
	change := &models.ChangeSet{
		Added:    make(map[string]interface{}),
		Modified: make(map[string]interface{}),
	}

	for k, v := range next {
		bv, ok := base[k]
		if !ok {
			change.Added[k] = v
			continue
		}
		if !FieldsEqual(bv, v) {
			change.Modified[k] = v
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			change.Removed = append(change.Removed, k)
		}
	}

	if len(change.Added) == 0 {
		change.Added = nil
	}
	if len(change.Modified) == 0 {
		change.Modified = nil
	}
	return change
}

// FieldsEqual compares two payload values structurally. Values arrive from
// JSON decoding, so a reflect comparison over the decoded forms suffices.
func FieldsEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Numbers may decode as distinct concrete types depending on origin.
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func appendVersion(ctx context.Context, tx *sql.Tx, key models.ResourceKey, version int64, ts time.Time, hash, author string, change *models.ChangeSet) error {
	var changeJSON interface{}
	if change != nil && !change.Empty() {
		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		changeJSON = string(data)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO versions (resource_type, resource_id, version, timestamp, hash, author, change_set)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Type, key.ID, version, ts.UnixNano(), hash, author, changeJSON)
	return err
}

// History returns a resource's version history, oldest first.
func (s *Store) History(ctx context.Context, rt models.ResourceType, id string) ([]models.ResourceVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, timestamp, hash, author, change_set
		FROM versions WHERE resource_type = ? AND resource_id = ?
		ORDER BY version ASC`, rt, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ResourceVersion
	for rows.Next() {
		var v models.ResourceVersion
		var ts int64
		var changeJSON sql.NullString
		if err := rows.Scan(&v.Version, &ts, &v.Hash, &v.Author, &changeJSON); err != nil {
			return nil, err
		}
		v.Timestamp = time.Unix(0, ts)
		if changeJSON.Valid && changeJSON.String != "" {
			var c models.ChangeSet
			if err := json.Unmarshal([]byte(changeJSON.String), &c); err == nil {
				v.ChangeSet = &c
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// VersionAt returns the change set recorded for a specific version.
func (s *Store) VersionAt(ctx context.Context, rt models.ResourceType, id string, version int64) (*models.ResourceVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, timestamp, hash, author, change_set
		FROM versions WHERE resource_type = ? AND resource_id = ? AND version = ?`,
		rt, id, version)

	var v models.ResourceVersion
	var ts int64
	var changeJSON sql.NullString
	if err := row.Scan(&v.Version, &ts, &v.Hash, &v.Author, &changeJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	v.Timestamp = time.Unix(0, ts)
	if changeJSON.Valid && changeJSON.String != "" {
		var c models.ChangeSet
		if err := json.Unmarshal([]byte(changeJSON.String), &c); err == nil {
			v.ChangeSet = &c
		}
	}
	return &v, nil
}
