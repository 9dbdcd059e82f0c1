package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/savegress/chartsync/pkg/models"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv()

	if cfg.Server.Port != 3010 {
		t.Errorf("unexpected default port %d", cfg.Server.Port)
	}
	if cfg.Encryption.KeyRotationDays != 90 {
		t.Errorf("unexpected rotation days %d", cfg.Encryption.KeyRotationDays)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("unexpected sync interval %v", cfg.Sync.Interval)
	}
	if !cfg.Audit.Enabled {
		t.Error("audit should default on")
	}
	if cfg.Conflicts.EscalateAfter != 24*time.Hour || cfg.Conflicts.SessionLimit != 25 {
		t.Errorf("unexpected conflict thresholds %+v", cfg.Conflicts)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	os.Setenv("PORT", "4020")
	os.Setenv("SYNC_INTERVAL", "5s")
	os.Setenv("AUDIT_ENABLED", "false")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("SYNC_INTERVAL")
		os.Unsetenv("AUDIT_ENABLED")
	}()

	cfg := LoadFromEnv()
	if cfg.Server.Port != 4020 {
		t.Errorf("port override ignored: %d", cfg.Server.Port)
	}
	if cfg.Sync.Interval != 5*time.Second {
		t.Errorf("interval override ignored: %v", cfg.Sync.Interval)
	}
	if cfg.Audit.Enabled {
		t.Error("audit override ignored")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	content := `
server:
  port: 8090
storage:
  max_size: 1048576
sync:
  interval: 10s
strategies:
  Observation:
    direction: push
    conflict_resolution: client_wins
    batch_size: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("yaml port not applied: %d", cfg.Server.Port)
	}
	if cfg.Storage.MaxSize != 1048576 {
		t.Errorf("yaml max size not applied: %d", cfg.Storage.MaxSize)
	}
	if cfg.Sync.Interval != 10*time.Second {
		t.Errorf("yaml interval not applied: %v", cfg.Sync.Interval)
	}

	s := cfg.StrategyFor(models.ResourceTypeObservation)
	if s.Direction != models.DirectionPush || s.ConflictResolution != models.StrategyClientWins || s.BatchSize != 5 {
		t.Errorf("yaml strategy not applied: %+v", s)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStrategyFor(t *testing.T) {
	cfg := LoadFromEnv()

	med := cfg.StrategyFor(models.ResourceTypeMedicationRequest)
	if med.ConflictResolution != models.StrategyManual {
		t.Errorf("medication orders must resolve manually, got %s", med.ConflictResolution)
	}
	if med.Cache.Priority != models.CachePriorityCritical {
		t.Errorf("medication orders carry the critical tier, got %s", med.Cache.Priority)
	}

	doc := cfg.StrategyFor(models.ResourceTypeDocumentReference)
	if doc.ConflictResolution != models.StrategyServerWins {
		t.Errorf("documents default to server wins, got %s", doc.ConflictResolution)
	}

	// Unlisted types fall back to the default.
	def := cfg.StrategyFor(models.ResourceTypeProcedure)
	if def.ConflictResolution != models.StrategyMerge || def.BatchSize != 25 {
		t.Errorf("fallback strategy wrong: %+v", def)
	}
}
