package store

import (
	"context"
	"database/sql"

	"github.com/savegress/chartsync/pkg/models"
)

// indexedAttrs maps payload attribute names to the index they feed.
var indexedAttrs = map[string]models.IndexKeyType{
	"patientId":     models.IndexByPatient,
	"encounterId":   models.IndexByEncounter,
	"effectiveDate": models.IndexByDate,
	"status":        models.IndexByStatus,
}

// replaceIndexEntries rewrites the secondary-index rows for a resource
// inside the caller's transaction, keeping the iff-live invariant.
func replaceIndexEntries(ctx context.Context, tx *sql.Tx, resource *models.ClinicalResource) error {
	key := resource.Key()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE resource_type = ? AND resource_id = ?`,
		key.Type, key.ID); err != nil {
		return err
	}

	insert := func(kt models.IndexKeyType, value string) error {
		if value == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO index_entries (key_type, key_value, resource_type, resource_id) VALUES (?, ?, ?, ?)`,
			string(kt), value, key.Type, key.ID)
		return err
	}

	if err := insert(models.IndexByType, string(key.Type)); err != nil {
		return err
	}
	for attr, kt := range indexedAttrs {
		if err := insert(kt, resource.IndexAttr(attr)); err != nil {
			return err
		}
	}
	return nil
}

// Query returns the ids of live resources matching an index key.
func (s *Store) Query(ctx context.Context, keyType models.IndexKeyType, value string) ([]models.ResourceKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.resource_type, e.resource_id
		FROM index_entries e
		JOIN records r ON r.resource_type = e.resource_type AND r.resource_id = e.resource_id
		WHERE e.key_type = ? AND e.key_value = ? AND r.deleted = 0 AND r.quarantined = 0
		ORDER BY e.resource_type, e.resource_id`,
		string(keyType), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ResourceKey
	for rows.Next() {
		var k models.ResourceKey
		if err := rows.Scan(&k.Type, &k.ID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
