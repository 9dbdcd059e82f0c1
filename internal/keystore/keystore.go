package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/savegress/chartsync/pkg/models"
)

const (
	// Algorithm tags the AEAD used for every record write.
	Algorithm = "AES-256-GCM"

	pbkdf2Iterations = 210000
	masterKeyLen     = 32
)

// KeyStore derives and caches the versioned master keys and hands out
// per-record data keys. Master keys are derived deterministically from the
// device passphrase so every version stays recoverable after a restart;
// rotation bumps the derivation version rather than discarding old keys, so
// records encrypted under a prior version stay readable until they are
// lazily re-encrypted.
type KeyStore struct {
	passphrase []byte
	salt       []byte

	mu       sync.RWMutex
	masters  map[int][]byte
	current  int
	schedule models.KeyRotationSchedule
}

// New creates a key store with key version 1 active.
func New(passphrase, salt string, rotationDays int) (*KeyStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("keystore: empty passphrase")
	}

	ks := &KeyStore{
		passphrase: []byte(passphrase),
		salt:       []byte(salt),
		masters:    make(map[int][]byte),
		current:    1,
	}
	ks.masters[1] = ks.deriveMaster(1)

	now := time.Now()
	ks.schedule = models.KeyRotationSchedule{
		LastRotation: now,
		NextRotation: now.AddDate(0, 0, rotationDays),
		IntervalDays: rotationDays,
	}

	return ks, nil
}

func (ks *KeyStore) deriveMaster(version int) []byte {
	salt := append(append([]byte{}, ks.salt...), []byte(":v"+strconv.Itoa(version))...)
	return pbkdf2.Key(ks.passphrase, salt, pbkdf2Iterations, masterKeyLen, sha256.New)
}

// CurrentVersion returns the active master key version.
func (ks *KeyStore) CurrentVersion() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.current
}

// Schedule returns the rotation schedule.
func (ks *KeyStore) Schedule() models.KeyRotationSchedule {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.schedule
}

// Rotate activates a new master key version. Existing records keep their
// prior version until re-encrypted on next touch.
func (ks *KeyStore) Rotate() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.current++
	ks.masters[ks.current] = ks.deriveMaster(ks.current)

	now := time.Now()
	ks.schedule.LastRotation = now
	ks.schedule.NextRotation = now.AddDate(0, 0, ks.schedule.IntervalDays)

	return ks.current
}

// dataKey derives the per-record key for a given master version and record
// identity.
func (ks *KeyStore) dataKey(keyVersion int, key models.ResourceKey) ([]byte, error) {
	ks.mu.RLock()
	master, ok := ks.masters[keyVersion]
	ks.mu.RUnlock()
	if !ok {
		return nil, &models.EncryptionError{Key: key, KeyVersion: keyVersion, Err: fmt.Errorf("unknown key version")}
	}

	info := []byte("chartsync record key:" + key.String())
	r := hkdf.New(sha256.New, master, ks.salt, info)
	dk := make([]byte, 32)
	if _, err := io.ReadFull(r, dk); err != nil {
		return nil, &models.EncryptionError{Key: key, KeyVersion: keyVersion, Err: err}
	}
	return dk, nil
}

// Seal encrypts a record payload under the current master key version with
// a fresh random nonce. Returns ciphertext, nonce and the key version used.
func (ks *KeyStore) Seal(key models.ResourceKey, plaintext []byte) ([]byte, []byte, int, error) {
	version := ks.CurrentVersion()

	aead, err := ks.aead(version, key)
	if err != nil {
		return nil, nil, 0, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, 0, &models.EncryptionError{Key: key, KeyVersion: version, Err: err}
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(key.String()))
	return ciphertext, nonce, version, nil
}

// Open decrypts a record payload sealed under the given key version.
func (ks *KeyStore) Open(key models.ResourceKey, keyVersion int, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := ks.aead(keyVersion, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(key.String()))
	if err != nil {
		return nil, &models.EncryptionError{Key: key, KeyVersion: keyVersion, Err: err}
	}
	return plaintext, nil
}

func (ks *KeyStore) aead(keyVersion int, key models.ResourceKey) (cipher.AEAD, error) {
	dk, err := ks.dataKey(keyVersion, key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, &models.EncryptionError{Key: key, KeyVersion: keyVersion, Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &models.EncryptionError{Key: key, KeyVersion: keyVersion, Err: err}
	}
	return aead, nil
}
