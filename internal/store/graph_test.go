package store

import (
	"context"
	"testing"

	"github.com/savegress/chartsync/pkg/models"
)

func TestStore_RelationshipEdges(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	s.Put(ctx, &models.ClinicalResource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields: map[string]interface{}{
			"patientId":  "pat-1",
			"parentType": "Encounter",
			"parentId":   "enc-1",
			"references": []interface{}{"DiagnosticReport/rep-1", "bogus", "Missing/"},
		},
	}, "dr-a")

	// Parent edge: encounter -> observation.
	children, err := s.Children(ctx, models.ResourceKey{Type: models.ResourceTypeEncounter, ID: "enc-1"})
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(children) != 1 || children[0].ID != "obs-1" {
		t.Errorf("expected parent edge to obs-1, got %v", children)
	}

	// Reference edge: observation -> report. Malformed references are skipped.
	children, err = s.Children(ctx, models.ResourceKey{Type: models.ResourceTypeObservation, ID: "obs-1"})
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(children) != 1 || children[0].ID != "rep-1" {
		t.Errorf("expected one reference edge to rep-1, got %v", children)
	}
}

func TestStore_Reachable(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	// enc-1 -> obs-1 -> rep-1, plus an unrelated obs-2.
	s.Put(ctx, &models.ClinicalResource{
		ResourceType: models.ResourceTypeObservation,
		ID:           "obs-1",
		Fields: map[string]interface{}{
			"parentType": "Encounter",
			"parentId":   "enc-1",
			"references": []interface{}{"DiagnosticReport/rep-1"},
		},
	}, "dr-a")
	s.Put(ctx, observation("obs-2", "pat-2", 1), "dr-a")

	root := models.ResourceKey{Type: models.ResourceTypeEncounter, ID: "enc-1"}

	reachable, err := s.Reachable(ctx, []models.ResourceKey{root}, 0)
	if err != nil {
		t.Fatalf("reachable failed: %v", err)
	}
	if len(reachable) != 3 {
		t.Errorf("expected root plus 2 descendants, got %v", reachable)
	}
	if !reachable[models.ResourceKey{Type: models.ResourceTypeDiagnosticReport, ID: "rep-1"}] {
		t.Error("expected rep-1 reachable through obs-1")
	}
	if reachable[models.ResourceKey{Type: models.ResourceTypeObservation, ID: "obs-2"}] {
		t.Error("obs-2 should not be reachable")
	}

	// Depth 1 stops at the direct child.
	shallow, err := s.Reachable(ctx, []models.ResourceKey{root}, 1)
	if err != nil {
		t.Fatalf("reachable failed: %v", err)
	}
	if len(shallow) != 2 {
		t.Errorf("expected depth-1 walk to visit 2 keys, got %v", shallow)
	}
}

func TestStore_EpisodeRoots(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	key := models.ResourceKey{Type: models.ResourceTypeEncounter, ID: "enc-1"}
	if err := s.SetEpisodeRoot(ctx, key, true); err != nil {
		t.Fatalf("set root failed: %v", err)
	}

	roots, err := s.EpisodeRoots(ctx)
	if err != nil {
		t.Fatalf("roots failed: %v", err)
	}
	if len(roots) != 1 || roots[0] != key {
		t.Errorf("expected one root, got %v", roots)
	}

	if err := s.SetEpisodeRoot(ctx, key, false); err != nil {
		t.Fatalf("clear root failed: %v", err)
	}
	roots, _ = s.EpisodeRoots(ctx)
	if len(roots) != 0 {
		t.Errorf("expected no roots after clearing, got %v", roots)
	}
}
