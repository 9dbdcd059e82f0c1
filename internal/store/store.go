// Package store implements the encrypted local store: durable, indexed,
// versioned storage of clinical resources backed by SQLite. Every payload is
// sealed with AES-GCM under a per-record data key and carries a plaintext
// checksum that is verified on every read.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/savegress/chartsync/internal/keystore"
	"github.com/savegress/chartsync/pkg/models"
)

// formatVersion is the persisted store layout version. Bump it when the
// record envelope changes; migration runs lazily at open.
const formatVersion = 1

// SweepFunc frees at least the requested number of bytes and reports how
// many were actually reclaimed. Wired in by the retention manager. The
// exclude key is the record whose write triggered the sweep; its per-id
// lock is held, so the sweep must not touch it.
type SweepFunc func(ctx context.Context, needed int64, exclude models.ResourceKey) (int64, error)

// Store is the encrypted local store
type Store struct {
	db      *sql.DB
	keys    *keystore.KeyStore
	maxSize int64

	sweepMu sync.RWMutex
	sweep   SweepFunc

	// Per-resource write serialization; parallel across distinct ids.
	locksMu sync.Mutex
	locks   map[models.ResourceKey]*sync.Mutex
}

// Open opens (or creates) the store under dataPath.
func Open(dataPath string, keys *keystore.KeyStore, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "chartsync.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:      db,
		keys:    keys,
		maxSize: maxSize,
		locks:   make(map[models.ResourceKey]*sync.Mutex),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		checksum TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		key_version INTEGER NOT NULL,
		version INTEGER NOT NULL,
		sync_status TEXT NOT NULL,
		last_modified INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		quarantined INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL,
		PRIMARY KEY (resource_type, resource_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(sync_status);
	CREATE INDEX IF NOT EXISTS idx_records_modified ON records(last_modified);

	CREATE TABLE IF NOT EXISTS index_entries (
		key_type TEXT NOT NULL,
		key_value TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		PRIMARY KEY (key_type, key_value, resource_type, resource_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_resource ON index_entries(resource_type, resource_id);

	CREATE TABLE IF NOT EXISTS relationships (
		from_type TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_type TEXT NOT NULL,
		to_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (from_type, from_id, to_type, to_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_rel_from ON relationships(from_type, from_id);

	CREATE TABLE IF NOT EXISTS versions (
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		hash TEXT NOT NULL,
		author TEXT NOT NULL,
		change_set TEXT,
		PRIMARY KEY (resource_type, resource_id, version)
	);

	CREATE TABLE IF NOT EXISTS shadows (
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		key_version INTEGER NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (resource_type, resource_id)
	);

	CREATE TABLE IF NOT EXISTS episode_roots (
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		PRIMARY KEY (resource_type, resource_id)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Record the layout version on first open; later versions migrate here.
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('format_version', ?) ON CONFLICT(key) DO NOTHING`,
		fmt.Sprintf("%d", formatVersion))
	return err
}

// DB exposes the underlying database so that the queue and conflict stores
// can keep their tables in the same durable file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetSweepFunc wires in the retention manager's quota sweep.
func (s *Store) SetSweepFunc(fn SweepFunc) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	s.sweep = fn
}

func (s *Store) lockFor(key models.ResourceKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// Put encrypts and stores a resource, increments its version, rewrites its
// index entries and relationship edges in the same transaction, and appends
// a version history entry. The caller enqueues the matching sync item.
func (s *Store) Put(ctx context.Context, resource *models.ClinicalResource, author string) (*models.EncryptedRecord, error) {
	if resource == nil || resource.ID == "" || resource.ResourceType == "" {
		return nil, fmt.Errorf("store: resource must carry a type and id")
	}
	key := resource.Key()

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.writeLocked(ctx, resource, author, 0, models.SyncStatusPending, false)
}

// ApplyRemote stores a version pulled from the remote authority. The write
// clears quarantine, records the remote-confirmed version and marks the
// record synced.
func (s *Store) ApplyRemote(ctx context.Context, resource *models.ClinicalResource, remoteVersion int64) (*models.EncryptedRecord, error) {
	key := resource.Key()

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.writeLocked(ctx, resource, "remote", remoteVersion, models.SyncStatusSynced, true)
}

// writeLocked performs the transactional write. forcedVersion == 0 means
// increment the local version by one. Caller holds the per-id lock.
func (s *Store) writeLocked(ctx context.Context, resource *models.ClinicalResource, author string, forcedVersion int64, status models.SyncStatus, clearQuarantine bool) (*models.EncryptedRecord, error) {
	key := resource.Key()

	prev, prevErr := s.recordRow(ctx, key)
	if prevErr != nil && prevErr != sql.ErrNoRows {
		return nil, prevErr
	}

	plaintext, err := json.Marshal(resource.Fields)
	if err != nil {
		return nil, fmt.Errorf("store: marshal payload: %w", err)
	}

	sum := sha256.Sum256(plaintext)
	checksum := hex.EncodeToString(sum[:])

	ciphertext, nonce, keyVersion, err := s.keys.Seal(key, plaintext)
	if err != nil {
		return nil, err
	}

	version := forcedVersion
	if version == 0 {
		version = 1
		if prevErr == nil {
			version = prev.Version + 1
		}
	}

	var prevSize int64
	if prevErr == nil {
		prevSize = prev.Size
	}
	if err := s.ensureCapacity(ctx, int64(len(ciphertext))-prevSize, key); err != nil {
		return nil, err
	}

	// Field-level change set against the prior version, when it is
	// readable. A quarantined or undecryptable prior version yields no
	// change set rather than blocking the write.
	var change *models.ChangeSet
	if prevErr == nil && !prev.Deleted {
		if prevFields, err := s.decryptRecord(prev); err == nil {
			change = DiffFields(prevFields, resource.Fields)
		}
	} else if prevErr == sql.ErrNoRows || (prevErr == nil && prev.Deleted) {
		change = DiffFields(nil, resource.Fields)
	}

	now := time.Now()
	record := &models.EncryptedRecord{
		ResourceType: key.Type,
		ResourceID:   key.ID,
		Ciphertext:   ciphertext,
		IV:           nonce,
		Checksum:     checksum,
		Algorithm:    keystore.Algorithm,
		KeyVersion:   keyVersion,
		Version:      version,
		SyncStatus:   status,
		LastModified: now,
		Quarantined:  false,
		Size:         int64(len(ciphertext)),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	quarantined := 0
	if !clearQuarantine && prevErr == nil && prev.Quarantined {
		// A local write does not clear quarantine; only a remote pull does.
		return nil, models.ErrQuarantined
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (resource_type, resource_id, ciphertext, iv, checksum, algorithm, key_version, version, sync_status, last_modified, deleted, quarantined, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(resource_type, resource_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			checksum = excluded.checksum,
			algorithm = excluded.algorithm,
			key_version = excluded.key_version,
			version = excluded.version,
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified,
			deleted = 0,
			quarantined = excluded.quarantined,
			size = excluded.size`,
		key.Type, key.ID, ciphertext, nonce, checksum, keystore.Algorithm, keyVersion,
		version, string(status), now.UnixNano(), quarantined, len(ciphertext))
	if err != nil {
		return nil, err
	}

	if err := replaceIndexEntries(ctx, tx, resource); err != nil {
		return nil, err
	}
	if err := replaceRelationships(ctx, tx, resource); err != nil {
		return nil, err
	}
	if err := appendVersion(ctx, tx, key, version, now, checksum, author, change); err != nil {
		return nil, err
	}

	// A remote-confirmed write is the new shared base for future merges.
	if status == models.SyncStatusSynced {
		if err := upsertShadow(ctx, tx, key, ciphertext, nonce, keyVersion, version); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

func upsertShadow(ctx context.Context, tx *sql.Tx, key models.ResourceKey, ciphertext, nonce []byte, keyVersion int, version int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shadows (resource_type, resource_id, ciphertext, iv, key_version, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, resource_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			key_version = excluded.key_version,
			version = excluded.version`,
		key.Type, key.ID, ciphertext, nonce, keyVersion, version)
	return err
}

// ShadowFields returns the decrypted payload of the last remote-confirmed
// version, the shared base for three-way merges. Returns ErrNotFound for a
// resource the remote never confirmed.
func (s *Store) ShadowFields(ctx context.Context, rt models.ResourceType, id string) (map[string]interface{}, int64, error) {
	key := models.ResourceKey{Type: rt, ID: id}

	row := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, iv, key_version, version FROM shadows
		WHERE resource_type = ? AND resource_id = ?`, key.Type, key.ID)

	var ciphertext, nonce []byte
	var keyVersion int
	var version int64
	if err := row.Scan(&ciphertext, &nonce, &keyVersion, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, models.ErrNotFound
		}
		return nil, 0, err
	}

	plaintext, err := s.keys.Open(key, keyVersion, nonce, ciphertext)
	if err != nil {
		return nil, 0, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, 0, err
	}
	return fields, version, nil
}

// Get decrypts and returns a resource, verifying its checksum. A failed
// authentication or checksum mismatch quarantines the record and returns an
// IntegrityError. Records sealed under an old key version are re-encrypted
// under the current one before returning.
func (s *Store) Get(ctx context.Context, rt models.ResourceType, id string) (*models.ClinicalResource, error) {
	key := models.ResourceKey{Type: rt, ID: id}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.recordRow(ctx, key)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, models.ErrNotFound
	}
	if rec.Quarantined {
		return nil, models.ErrQuarantined
	}

	fields, err := s.verifyAndDecrypt(ctx, rec)
	if err != nil {
		return nil, err
	}

	if rec.KeyVersion < s.keys.CurrentVersion() {
		if err := s.reencryptLocked(ctx, rec, fields); err != nil {
			// The record is still readable under its old key; rotation
			// retries on the next touch.
			_ = err
		}
	}

	return &models.ClinicalResource{ResourceType: rt, ID: id, Fields: fields}, nil
}

// verifyAndDecrypt opens the ciphertext and checks the plaintext checksum,
// quarantining on any integrity failure.
func (s *Store) verifyAndDecrypt(ctx context.Context, rec *models.EncryptedRecord) (map[string]interface{}, error) {
	key := rec.Key()

	plaintext, err := s.keys.Open(key, rec.KeyVersion, rec.IV, rec.Ciphertext)
	if err != nil {
		s.quarantine(ctx, key)
		return nil, &models.IntegrityError{Key: key, Expected: rec.Checksum, Actual: "unverifiable"}
	}

	sum := sha256.Sum256(plaintext)
	actual := hex.EncodeToString(sum[:])
	if actual != rec.Checksum {
		s.quarantine(ctx, key)
		return nil, &models.IntegrityError{Key: key, Expected: rec.Checksum, Actual: actual}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		s.quarantine(ctx, key)
		return nil, &models.IntegrityError{Key: key, Expected: rec.Checksum, Actual: "undecodable"}
	}
	return fields, nil
}

// decryptRecord decrypts without quarantining; used for change sets and
// sync payload assembly.
func (s *Store) decryptRecord(rec *models.EncryptedRecord) (map[string]interface{}, error) {
	plaintext, err := s.keys.Open(rec.Key(), rec.KeyVersion, rec.IV, rec.Ciphertext)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Payload returns the decrypted fields and stored version for dispatch.
// Quarantined and deleted records are withheld from sync.
func (s *Store) Payload(ctx context.Context, rt models.ResourceType, id string) (map[string]interface{}, int64, error) {
	key := models.ResourceKey{Type: rt, ID: id}

	rec, err := s.recordRow(ctx, key)
	if err == sql.ErrNoRows {
		return nil, 0, models.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if rec.Quarantined {
		return nil, 0, models.ErrQuarantined
	}
	if rec.Deleted {
		return nil, rec.Version, models.ErrNotFound
	}

	fields, err := s.verifyAndDecrypt(ctx, rec)
	if err != nil {
		return nil, 0, err
	}
	return fields, rec.Version, nil
}

func (s *Store) quarantine(ctx context.Context, key models.ResourceKey) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET quarantined = 1 WHERE resource_type = ? AND resource_id = ?`,
		key.Type, key.ID); err != nil {
		return
	}
	// Quarantined records drop out of the search indexes until a fresh
	// pull restores them.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE resource_type = ? AND resource_id = ?`,
		key.Type, key.ID); err != nil {
		return
	}
	tx.Commit()
}

func (s *Store) reencryptLocked(ctx context.Context, rec *models.EncryptedRecord, fields map[string]interface{}) error {
	key := rec.Key()

	plaintext, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	ciphertext, nonce, keyVersion, err := s.keys.Seal(key, plaintext)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE records SET ciphertext = ?, iv = ?, key_version = ?, size = ?
		WHERE resource_type = ? AND resource_id = ? AND version = ?`,
		ciphertext, nonce, keyVersion, len(ciphertext), key.Type, key.ID, rec.Version)
	return err
}

// ReencryptStale re-seals every readable record still on an older key
// version. Returns the number of records migrated. Records it cannot read
// are left on their prior key until next touch.
func (s *Store) ReencryptStale(ctx context.Context) (int, error) {
	current := s.keys.CurrentVersion()

	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_type, resource_id FROM records WHERE key_version < ? AND quarantined = 0`, current)
	if err != nil {
		return 0, err
	}
	var keys []models.ResourceKey
	for rows.Next() {
		var k models.ResourceKey
		if err := rows.Scan(&k.Type, &k.ID); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	rows.Close()

	migrated := 0
	for _, key := range keys {
		mu := s.lockFor(key)
		mu.Lock()
		rec, err := s.recordRow(ctx, key)
		if err == nil && rec.KeyVersion < current {
			if fields, derr := s.decryptRecord(rec); derr == nil {
				if s.reencryptLocked(ctx, rec, fields) == nil {
					migrated++
				}
			}
		}
		mu.Unlock()
	}
	return migrated, nil
}

// Delete tombstones a record, removes its index entries synchronously and
// bumps the version so the delete replicates. The caller enqueues the
// matching delete sync item; PurgeTombstone removes the row once the remote
// acknowledges.
func (s *Store) Delete(ctx context.Context, rt models.ResourceType, id string) (*models.EncryptedRecord, error) {
	key := models.ResourceKey{Type: rt, ID: id}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.recordRow(ctx, key)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, models.ErrNotFound
	}

	now := time.Now()
	newVersion := rec.Version + 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET deleted = 1, version = ?, sync_status = ?, last_modified = ?
		WHERE resource_type = ? AND resource_id = ?`,
		newVersion, string(models.SyncStatusPending), now.UnixNano(), key.Type, key.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE resource_type = ? AND resource_id = ?`,
		key.Type, key.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relationships WHERE from_type = ? AND from_id = ?`,
		key.Type, key.ID); err != nil {
		return nil, err
	}
	if err := appendVersion(ctx, tx, key, newVersion, now, rec.Checksum, "local-delete", nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	rec.Deleted = true
	rec.Version = newVersion
	rec.SyncStatus = models.SyncStatusPending
	rec.LastModified = now
	return rec, nil
}

// ApplyRemoteDelete applies a delete observed on the remote: the tombstone
// and all bookkeeping rows are removed.
func (s *Store) ApplyRemoteDelete(ctx context.Context, rt models.ResourceType, id string) error {
	key := models.ResourceKey{Type: rt, ID: id}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.removeRow(ctx, key)
}

// PurgeTombstone physically removes a tombstoned record once its delete has
// been acknowledged by the remote.
func (s *Store) PurgeTombstone(ctx context.Context, rt models.ResourceType, id string) error {
	key := models.ResourceKey{Type: rt, ID: id}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.recordRow(ctx, key)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Deleted {
		return nil
	}
	return s.removeRow(ctx, key)
}

// Evict physically removes a record for the retention manager. Eligibility
// checks happen in the sweep; the store just deletes.
func (s *Store) Evict(ctx context.Context, rt models.ResourceType, id string) error {
	key := models.ResourceKey{Type: rt, ID: id}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.removeRow(ctx, key)
}

func (s *Store) removeRow(ctx context.Context, key models.ResourceKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM records WHERE resource_type = ? AND resource_id = ?`,
		`DELETE FROM index_entries WHERE resource_type = ? AND resource_id = ?`,
		`DELETE FROM relationships WHERE from_type = ? AND from_id = ?`,
		`DELETE FROM versions WHERE resource_type = ? AND resource_id = ?`,
		`DELETE FROM shadows WHERE resource_type = ? AND resource_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, key.Type, key.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkSynced records a remote-confirmed version for a record and refreshes
// the merge shadow with the payload the remote acknowledged. The record only
// flips to synced while it still sits at the version that was dispatched; a
// record that advanced past it mid-flight keeps its newer pending state, and
// only the shadow moves forward.
func (s *Store) MarkSynced(ctx context.Context, rt models.ResourceType, id string, dispatchedVersion, confirmedVersion int64, confirmedFields map[string]interface{}) error {
	key := models.ResourceKey{Type: rt, ID: id}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET sync_status = ?, version = ?
		WHERE resource_type = ? AND resource_id = ? AND version = ?`,
		string(models.SyncStatusSynced), confirmedVersion, rt, id, dispatchedVersion); err != nil {
		return err
	}

	if confirmedFields != nil {
		plaintext, err := json.Marshal(confirmedFields)
		if err != nil {
			return err
		}
		ciphertext, nonce, keyVersion, err := s.keys.Seal(key, plaintext)
		if err != nil {
			return err
		}
		if err := upsertShadow(ctx, tx, key, ciphertext, nonce, keyVersion, confirmedVersion); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetSyncStatus updates only the sync status tag.
func (s *Store) SetSyncStatus(ctx context.Context, rt models.ResourceType, id string, status models.SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_status = ? WHERE resource_type = ? AND resource_id = ?`,
		string(status), rt, id)
	return err
}

// Record returns the stored envelope without decrypting.
func (s *Store) Record(ctx context.Context, rt models.ResourceType, id string) (*models.EncryptedRecord, error) {
	rec, err := s.recordRow(ctx, models.ResourceKey{Type: rt, ID: id})
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return rec, err
}

func (s *Store) recordRow(ctx context.Context, key models.ResourceKey) (*models.EncryptedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, iv, checksum, algorithm, key_version, version, sync_status, last_modified, deleted, quarantined, size
		FROM records WHERE resource_type = ? AND resource_id = ?`,
		key.Type, key.ID)

	rec := &models.EncryptedRecord{ResourceType: key.Type, ResourceID: key.ID}
	var status string
	var modified int64
	var deleted, quarantined int
	err := row.Scan(&rec.Ciphertext, &rec.IV, &rec.Checksum, &rec.Algorithm, &rec.KeyVersion,
		&rec.Version, &status, &modified, &deleted, &quarantined, &rec.Size)
	if err != nil {
		return nil, err
	}
	rec.SyncStatus = models.SyncStatus(status)
	rec.LastModified = time.Unix(0, modified)
	rec.Deleted = deleted == 1
	rec.Quarantined = quarantined == 1
	return rec, nil
}

// Stats reports live record count and stored ciphertext bytes.
func (s *Store) Stats(ctx context.Context) (int, int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM records WHERE deleted = 0`)
	var count int
	var bytes int64
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

// Metadata returns a consistent snapshot of record bookkeeping for sweeps.
// Ciphertext is not loaded.
func (s *Store) Metadata(ctx context.Context) ([]*models.EncryptedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, resource_id, checksum, key_version, version, sync_status, last_modified, deleted, quarantined, size
		FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EncryptedRecord
	for rows.Next() {
		rec := &models.EncryptedRecord{}
		var status string
		var modified int64
		var deleted, quarantined int
		if err := rows.Scan(&rec.ResourceType, &rec.ResourceID, &rec.Checksum, &rec.KeyVersion,
			&rec.Version, &status, &modified, &deleted, &quarantined, &rec.Size); err != nil {
			return nil, err
		}
		rec.SyncStatus = models.SyncStatus(status)
		rec.LastModified = time.Unix(0, modified)
		rec.Deleted = deleted == 1
		rec.Quarantined = quarantined == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ensureCapacity runs a sweep when an upcoming write would exceed the store
// budget, failing with a QuotaError when nothing evictable remains. The
// record being written is passed through so the sweep skips it; its per-id
// lock is held here.
func (s *Store) ensureCapacity(ctx context.Context, delta int64, writing models.ResourceKey) error {
	if s.maxSize <= 0 || delta <= 0 {
		return nil
	}

	_, used, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	if used+delta <= s.maxSize {
		return nil
	}

	needed := used + delta - s.maxSize

	s.sweepMu.RLock()
	sweep := s.sweep
	s.sweepMu.RUnlock()

	if sweep != nil {
		freed, err := sweep(ctx, needed, writing)
		if err == nil && freed >= needed {
			return nil
		}
	}

	return &models.QuotaError{MaxBytes: s.maxSize, CurrentBytes: used, NeededBytes: needed}
}

// Cleanup removes synced, unprotected records older than the given horizon.
// Used by the host-facing cleanup operation; returns removed count.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time, protected func(models.ResourceKey) bool) (int, error) {
	metas, err := s.Metadata(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range metas {
		if m.SyncStatus != models.SyncStatusSynced || m.Deleted {
			continue
		}
		if !m.LastModified.Before(cutoff) {
			continue
		}
		key := m.Key()
		if protected != nil && protected(key) {
			continue
		}
		if err := s.Evict(ctx, key.Type, key.ID); err == nil {
			removed++
		}
	}
	return removed, nil
}
