package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/savegress/chartsync/pkg/models"
)

// Config holds all configuration for ChartSync
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Emergency  EmergencyConfig  `yaml:"emergency"`
	Remote     RemoteConfig     `yaml:"remote"`
	Conflicts  ConflictConfig   `yaml:"conflicts"`

	// Strategies maps resource types to their sync behavior. Types without
	// an entry use DefaultStrategy.
	Strategies      map[models.ResourceType]models.SyncStrategy `yaml:"strategies"`
	DefaultStrategy models.SyncStrategy                         `yaml:"default_strategy"`
}

// ServerConfig holds the host-facing HTTP server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
}

// StorageConfig holds local store configuration
type StorageConfig struct {
	DataPath string        `yaml:"data_path"`
	MaxSize  int64         `yaml:"max_size"` // bytes of ciphertext, 0 = unlimited
	MaxAge   time.Duration `yaml:"max_age"`
}

// EncryptionConfig holds key material configuration
type EncryptionConfig struct {
	Passphrase      string `yaml:"passphrase"`
	Salt            string `yaml:"salt"`
	KeyRotationDays int    `yaml:"key_rotation_days"`
}

// SyncConfig holds dispatcher configuration
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxConcurrency int           `yaml:"max_concurrency"` // in-flight batches across types
	DeviceID       string        `yaml:"device_id"`
}

// CacheConfig holds retention sweep configuration
type CacheConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PrefetchDepth   int           `yaml:"prefetch_depth"`
	PrefetchEnabled bool          `yaml:"prefetch_enabled"`
}

// AuditConfig holds access-log configuration
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"` // ring buffer capacity
}

// EmergencyConfig holds break-glass token configuration
type EmergencyConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// ConflictConfig holds conflict escalation thresholds
type ConflictConfig struct {
	EscalateAfter time.Duration `yaml:"escalate_after"`
	SessionLimit  int           `yaml:"session_limit"`
}

// RemoteConfig holds the remote clinical-data service endpoint
type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := LoadFromEnv()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", 3010),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Storage: StorageConfig{
			DataPath: getEnv("CHARTSYNC_DATA", "./data"),
			MaxSize:  int64(getEnvInt("CHARTSYNC_MAX_SIZE", 256*1024*1024)),
			MaxAge:   getEnvDuration("CHARTSYNC_MAX_AGE", 180*24*time.Hour),
		},
		Encryption: EncryptionConfig{
			Passphrase:      getEnv("CHARTSYNC_PASSPHRASE", ""),
			Salt:            getEnv("CHARTSYNC_SALT", "chartsync-local-store"),
			KeyRotationDays: getEnvInt("KEY_ROTATION_DAYS", 90),
		},
		Sync: SyncConfig{
			Interval:       getEnvDuration("SYNC_INTERVAL", 30*time.Second),
			MaxConcurrency: getEnvInt("SYNC_MAX_CONCURRENCY", 4),
			DeviceID:       getEnv("CHARTSYNC_DEVICE_ID", "device-local"),
		},
		Cache: CacheConfig{
			SweepInterval:   getEnvDuration("CACHE_SWEEP_INTERVAL", 15*time.Minute),
			PrefetchDepth:   getEnvInt("CACHE_PREFETCH_DEPTH", 2),
			PrefetchEnabled: getEnvBool("CACHE_PREFETCH", true),
		},
		Audit: AuditConfig{
			Enabled:    getEnvBool("AUDIT_ENABLED", true),
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 4096),
		},
		Emergency: EmergencyConfig{
			SigningSecret: getEnv("EMERGENCY_SIGNING_SECRET", ""),
			TokenTTL:      getEnvDuration("EMERGENCY_TOKEN_TTL", time.Hour),
		},
		Remote: RemoteConfig{
			BaseURL:   getEnv("REMOTE_BASE_URL", "http://localhost:3000/api/v1/clinical"),
			AuthToken: getEnv("REMOTE_AUTH_TOKEN", ""),
			Timeout:   getEnvDuration("REMOTE_TIMEOUT", 15*time.Second),
		},
		Conflicts: ConflictConfig{
			EscalateAfter: getEnvDuration("CONFLICT_ESCALATE_AFTER", 24*time.Hour),
			SessionLimit:  getEnvInt("CONFLICT_SESSION_LIMIT", 25),
		},
		DefaultStrategy: DefaultStrategy(),
		Strategies:      DefaultStrategies(),
	}
}

// DefaultStrategy returns the sync behavior for resource types without an
// explicit entry.
func DefaultStrategy() models.SyncStrategy {
	return models.SyncStrategy{
		Direction:          models.DirectionBidirectional,
		ConflictResolution: models.StrategyMerge,
		BatchSize:          25,
		Retry: models.RetryPolicy{
			MaxAttempts:       5,
			InitialDelay:      2 * time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
		},
		Cache: models.CachePolicy{
			Priority:         models.CachePriorityMedium,
			ActiveWindow:     7 * 24 * time.Hour,
			RecentWindow:     30 * 24 * time.Hour,
			HistoricalWindow: 180 * 24 * time.Hour,
		},
	}
}

// DefaultStrategies returns the built-in per-type strategy map. Medication
// orders resolve conservatively (manual) because a wrong automatic guess is
// a patient safety issue; observations merge field-wise.
func DefaultStrategies() map[models.ResourceType]models.SyncStrategy {
	base := DefaultStrategy()

	critical := base
	critical.ConflictResolution = models.StrategyManual
	critical.Cache.Priority = models.CachePriorityCritical

	patient := base
	patient.Cache.Priority = models.CachePriorityCritical

	observation := base
	observation.BatchSize = 50
	observation.Cache.Priority = models.CachePriorityHigh

	document := base
	document.ConflictResolution = models.StrategyServerWins
	document.BatchSize = 10
	document.Cache.Priority = models.CachePriorityLow

	return map[models.ResourceType]models.SyncStrategy{
		models.ResourceTypePatient:           patient,
		models.ResourceTypeMedicationRequest: critical,
		models.ResourceTypeMedication:        critical,
		models.ResourceTypeObservation:       observation,
		models.ResourceTypeDocumentReference: document,
	}
}

// StrategyFor returns the sync strategy for a resource type.
func (c *Config) StrategyFor(rt models.ResourceType) models.SyncStrategy {
	if s, ok := c.Strategies[rt]; ok {
		return s
	}
	return c.DefaultStrategy
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
