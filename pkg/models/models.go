package models

import (
	"encoding/json"
	"time"
)

// ResourceType identifies a kind of clinical resource
type ResourceType string

const (
	ResourceTypePatient            ResourceType = "Patient"
	ResourceTypePractitioner       ResourceType = "Practitioner"
	ResourceTypeEncounter          ResourceType = "Encounter"
	ResourceTypeObservation        ResourceType = "Observation"
	ResourceTypeCondition          ResourceType = "Condition"
	ResourceTypeMedication         ResourceType = "Medication"
	ResourceTypeMedicationRequest  ResourceType = "MedicationRequest"
	ResourceTypeProcedure          ResourceType = "Procedure"
	ResourceTypeDiagnosticReport   ResourceType = "DiagnosticReport"
	ResourceTypeAllergyIntolerance ResourceType = "AllergyIntolerance"
	ResourceTypeDocumentReference  ResourceType = "DocumentReference"
)

// AllResourceTypes lists every resource type the engine replicates.
var AllResourceTypes = []ResourceType{
	ResourceTypePatient,
	ResourceTypePractitioner,
	ResourceTypeEncounter,
	ResourceTypeObservation,
	ResourceTypeCondition,
	ResourceTypeMedication,
	ResourceTypeMedicationRequest,
	ResourceTypeProcedure,
	ResourceTypeDiagnosticReport,
	ResourceTypeAllergyIntolerance,
	ResourceTypeDocumentReference,
}

// ResourceKey uniquely identifies a clinical resource on this device
type ResourceKey struct {
	Type ResourceType `json:"resourceType"`
	ID   string       `json:"id"`
}

func (k ResourceKey) String() string {
	return string(k.Type) + "/" + k.ID
}

// ClinicalResource is a typed clinical record with arbitrary structured fields.
// Well-known attributes used for indexing (patientId, encounterId, status,
// effectiveDate) live inside Fields alongside the clinical payload.
type ClinicalResource struct {
	ResourceType ResourceType           `json:"resourceType"`
	ID           string                 `json:"id"`
	Fields       map[string]interface{} `json:"fields"`
}

// Key returns the resource's identity.
func (r *ClinicalResource) Key() ResourceKey {
	return ResourceKey{Type: r.ResourceType, ID: r.ID}
}

// IndexAttr reads a string-valued index attribute from the payload.
func (r *ClinicalResource) IndexAttr(name string) string {
	if r.Fields == nil {
		return ""
	}
	if v, ok := r.Fields[name].(string); ok {
		return v
	}
	return ""
}

// SyncStatus is the lifecycle tag of a local record relative to the remote
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusQueued   SyncStatus = "queued"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusFailed   SyncStatus = "failed"
)

// EncryptedRecord is the persisted envelope around a ClinicalResource
type EncryptedRecord struct {
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	Ciphertext   []byte       `json:"ciphertext"`
	IV           []byte       `json:"iv"`
	Checksum     string       `json:"checksum"`  // hex SHA-256 of plaintext
	Algorithm    string       `json:"algorithm"` // e.g. "AES-256-GCM"
	KeyVersion   int          `json:"keyVersion"`
	Version      int64        `json:"version"`
	SyncStatus   SyncStatus   `json:"syncStatus"`
	LastModified time.Time    `json:"lastModified"`
	Deleted      bool         `json:"deleted"`
	Quarantined  bool         `json:"quarantined"`
	Size         int64        `json:"size"`
}

// Key returns the record's identity.
func (r *EncryptedRecord) Key() ResourceKey {
	return ResourceKey{Type: r.ResourceType, ID: r.ResourceID}
}

// IndexKeyType enumerates the maintained secondary indexes
type IndexKeyType string

const (
	IndexByPatient   IndexKeyType = "patient"
	IndexByEncounter IndexKeyType = "encounter"
	IndexByDate      IndexKeyType = "date"
	IndexByType      IndexKeyType = "type"
	IndexByStatus    IndexKeyType = "status"
)

// RelationKind labels a directed edge in the relationship graph
type RelationKind string

const (
	RelationParent    RelationKind = "parent"
	RelationReference RelationKind = "reference"
)

// Relationship is a directed edge between two resources
type Relationship struct {
	From ResourceKey  `json:"from"`
	To   ResourceKey  `json:"to"`
	Kind RelationKind `json:"kind"`
}

// ChangeSet records field-level changes relative to the prior version
type ChangeSet struct {
	Added    map[string]interface{} `json:"added,omitempty"`
	Modified map[string]interface{} `json:"modified,omitempty"`
	Removed  []string               `json:"removed,omitempty"`
}

// Empty reports whether the change set contains no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// TouchedFields returns every field key the change set mentions.
func (c *ChangeSet) TouchedFields() map[string]bool {
	out := make(map[string]bool)
	for k := range c.Added {
		out[k] = true
	}
	for k := range c.Modified {
		out[k] = true
	}
	for _, k := range c.Removed {
		out[k] = true
	}
	return out
}

// ResourceVersion is one entry in a resource's version history
type ResourceVersion struct {
	Version   int64      `json:"version"`
	Timestamp time.Time  `json:"timestamp"`
	Hash      string     `json:"hash"`
	Author    string     `json:"author"`
	ChangeSet *ChangeSet `json:"changeSet,omitempty"`
}

// SyncOperation is the kind of remote mutation a queue item carries
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
)

// Queue item priorities; deletes always enqueue at PriorityUrgent.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// SyncQueueItem is one pending remote operation. Generation counts the
// coalesced mutations folded into the item; a dispatch only dequeues the
// generation it read.
type SyncQueueItem struct {
	ID           string        `json:"id"`
	ResourceType ResourceType  `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	Operation    SyncOperation `json:"operation"`
	BaseVersion  int64         `json:"baseVersion"`
	Priority     int           `json:"priority"`
	Attempts     int           `json:"attempts"`
	LastAttempt  *time.Time    `json:"lastAttempt,omitempty"`
	NextAttempt  *time.Time    `json:"nextAttempt,omitempty"`
	Error        string        `json:"error,omitempty"`
	Generation   int64         `json:"generation"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ConflictStatus is the lifecycle state of a detected conflict
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
)

// Conflict records a divergence between a local pending edit and an
// independently advanced remote version sharing a common base.
type Conflict struct {
	ID             string                 `json:"id"`
	ResourceType   ResourceType           `json:"resourceType"`
	ResourceID     string                 `json:"resourceId"`
	LocalVersion   int64                  `json:"localVersion"`
	RemoteVersion  int64                  `json:"remoteVersion"`
	BaseVersion    int64                  `json:"baseVersion"`
	LocalFields    map[string]interface{} `json:"localFields,omitempty"`
	RemoteFields   map[string]interface{} `json:"remoteFields,omitempty"`
	BaseFields     map[string]interface{} `json:"baseFields,omitempty"`
	LocalDeleted   bool                   `json:"localDeleted,omitempty"`
	RemoteDeleted  bool                   `json:"remoteDeleted,omitempty"`
	LocalModified  time.Time              `json:"localModified"`
	RemoteModified time.Time              `json:"remoteModified"`
	DetectedAt     time.Time              `json:"detectedAt"`
	Status         ConflictStatus         `json:"status"`
	Resolution     *Resolution            `json:"resolution,omitempty"`
}

// ResolutionAction is the outcome kind of a conflict resolution
type ResolutionAction string

const (
	ResolveKeepLocal  ResolutionAction = "keep_local"
	ResolveKeepRemote ResolutionAction = "keep_remote"
	ResolveMerge      ResolutionAction = "merge"
	ResolveKeepBoth   ResolutionAction = "keep_both"
	ResolveManual     ResolutionAction = "manual"
)

// Resolution is the immutable, audited outcome of resolving a conflict
type Resolution struct {
	Action     ResolutionAction       `json:"action"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Deleted    bool                   `json:"deleted,omitempty"`
	ResolvedBy string                 `json:"resolvedBy"`
	ResolvedAt time.Time              `json:"resolvedAt"`
	Notes      string                 `json:"notes,omitempty"`
}

// ConflictStrategy selects how conflicts are resolved for a resource type
type ConflictStrategy string

const (
	StrategyClientWins ConflictStrategy = "client_wins"
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyTimestamp  ConflictStrategy = "timestamp"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyManual     ConflictStrategy = "manual"
	StrategyVersion    ConflictStrategy = "version"
)

// SyncDirection controls which way a resource type replicates
type SyncDirection string

const (
	DirectionPush          SyncDirection = "push"
	DirectionPull          SyncDirection = "pull"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// CachePriority is a retention tier
type CachePriority string

const (
	CachePriorityCritical CachePriority = "critical"
	CachePriorityHigh     CachePriority = "high"
	CachePriorityMedium   CachePriority = "medium"
	CachePriorityLow      CachePriority = "low"
)

// Rank orders priorities for eviction; lower ranks evict first.
func (p CachePriority) Rank() int {
	switch p {
	case CachePriorityCritical:
		return 3
	case CachePriorityHigh:
		return 2
	case CachePriorityMedium:
		return 1
	default:
		return 0
	}
}

// RetryPolicy governs dispatch retry backoff for a resource type
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
}

// CachePolicy is the retention tier configuration for a resource type
type CachePolicy struct {
	Priority         CachePriority `json:"priority" yaml:"priority"`
	ActiveWindow     time.Duration `json:"activeWindow" yaml:"active_window"`
	RecentWindow     time.Duration `json:"recentWindow" yaml:"recent_window"`
	HistoricalWindow time.Duration `json:"historicalWindow" yaml:"historical_window"`
}

// SyncStrategy is the per-resource-type sync behavior. Strategies live in a
// map keyed by resource type; there is no per-type subtyping.
type SyncStrategy struct {
	Direction          SyncDirection    `json:"direction" yaml:"direction"`
	ConflictResolution ConflictStrategy `json:"conflictResolution" yaml:"conflict_resolution"`
	BatchSize          int              `json:"batchSize" yaml:"batch_size"`
	Retry              RetryPolicy      `json:"retry" yaml:"retry"`
	Cache              CachePolicy      `json:"cache" yaml:"cache"`
}

// AccessLogEntry is one audited store access
type AccessLogEntry struct {
	ID           string       `json:"id"`
	Actor        string       `json:"actor"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	Action       string       `json:"action"` // read, write, delete, query, emergency
	Online       bool         `json:"online"`
	Emergency    bool         `json:"emergency,omitempty"`
	Detail       string       `json:"detail,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// EmergencyToken is a time-boxed, scope-limited break-glass grant
type EmergencyToken struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	Subject    string    `json:"subject"`
	PatientID  string    `json:"patientId"`
	Reason     string    `json:"reason"`
	Scope      []string  `json:"scope"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	IssuedBy   string    `json:"issuedBy"`
	UsageCount int       `json:"usageCount"`
}

// KeyRotationSchedule tracks master key rotation due dates
type KeyRotationSchedule struct {
	LastRotation time.Time `json:"lastRotation"`
	NextRotation time.Time `json:"nextRotation"`
	IntervalDays int       `json:"intervalDays"`
}

// Due reports whether rotation is due at the given time.
func (s *KeyRotationSchedule) Due(now time.Time) bool {
	return !s.NextRotation.IsZero() && !now.Before(s.NextRotation)
}

// SyncStatusReport summarizes engine state for the host application
type SyncStatusReport struct {
	Online          bool       `json:"online"`
	Syncing         bool       `json:"syncing"`
	Paused          bool       `json:"paused"`
	PendingItems    int        `json:"pendingItems"`
	FailedItems     int        `json:"failedItems"`
	OpenConflicts   int        `json:"openConflicts"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncError   string     `json:"lastSyncError,omitempty"`
	StoredResources int        `json:"storedResources"`
	StoredBytes     int64      `json:"storedBytes"`
}

// CloneFields deep-copies a resource payload via JSON round-trip.
func CloneFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
