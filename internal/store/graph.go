package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/savegress/chartsync/pkg/models"
)

// Relationship edges are declared inside the payload: "parentType"/"parentId"
// creates a parent→child edge, and "references" (a list of "Type/id" strings)
// creates reference→referent edges from this resource.

// replaceRelationships rewrites the edges a resource declares inside the
// caller's transaction.
func replaceRelationships(ctx context.Context, tx *sql.Tx, resource *models.ClinicalResource) error {
	key := resource.Key()

	// Edges declared by this resource: its outgoing references, and the
	// parent edge pointing at it.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relationships WHERE (from_type = ? AND from_id = ?) OR (to_type = ? AND to_id = ? AND kind = ?)`,
		key.Type, key.ID, key.Type, key.ID, string(models.RelationParent)); err != nil {
		return err
	}

	insert := func(rel models.Relationship) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO relationships (from_type, from_id, to_type, to_id, kind) VALUES (?, ?, ?, ?, ?)`,
			rel.From.Type, rel.From.ID, rel.To.Type, rel.To.ID, string(rel.Kind))
		return err
	}

	if pt, pid := resource.IndexAttr("parentType"), resource.IndexAttr("parentId"); pt != "" && pid != "" {
		if err := insert(models.Relationship{
			From: models.ResourceKey{Type: models.ResourceType(pt), ID: pid},
			To:   key,
			Kind: models.RelationParent,
		}); err != nil {
			return err
		}
	}

	if refs, ok := resource.Fields["references"].([]interface{}); ok {
		for _, r := range refs {
			ref, ok := r.(string)
			if !ok {
				continue
			}
			parts := strings.SplitN(ref, "/", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				continue
			}
			if err := insert(models.Relationship{
				From: key,
				To:   models.ResourceKey{Type: models.ResourceType(parts[0]), ID: parts[1]},
				Kind: models.RelationReference,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Children returns the direct targets of a resource's outgoing edges.
func (s *Store) Children(ctx context.Context, key models.ResourceKey) ([]models.ResourceKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_type, to_id FROM relationships WHERE from_type = ? AND from_id = ?`,
		key.Type, key.ID)
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

// SetEpisodeRoot marks or unmarks a resource as an active-episode root.
// Everything reachable from an active root is protected from eviction.
func (s *Store) SetEpisodeRoot(ctx context.Context, key models.ResourceKey, active bool) error {
	if active {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO episode_roots (resource_type, resource_id) VALUES (?, ?)`,
			key.Type, key.ID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM episode_roots WHERE resource_type = ? AND resource_id = ?`,
		key.Type, key.ID)
	return err
}

// EpisodeRoots returns the current active-episode roots.
func (s *Store) EpisodeRoots(ctx context.Context) ([]models.ResourceKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource_type, resource_id FROM episode_roots`)
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

// Reachable walks outgoing edges from the given roots, up to maxDepth hops
// (0 means unbounded), and returns every visited key including the roots.
func (s *Store) Reachable(ctx context.Context, roots []models.ResourceKey, maxDepth int) (map[models.ResourceKey]bool, error) {
	visited := make(map[models.ResourceKey]bool)
	frontier := roots
	for _, r := range roots {
		visited[r] = true
	}

	depth := 0
	for len(frontier) > 0 {
		if maxDepth > 0 && depth >= maxDepth {
			break
		}
		var next []models.ResourceKey
		for _, key := range frontier {
			children, err := s.Children(ctx, key)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if !visited[c] {
					visited[c] = true
					next = append(next, c)
				}
			}
		}
		frontier = next
		depth++
	}
	return visited, nil
}
