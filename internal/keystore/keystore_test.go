package keystore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/savegress/chartsync/pkg/models"
)

func testKey() models.ResourceKey {
	return models.ResourceKey{Type: models.ResourceTypeObservation, ID: "obs-1"}
}

func TestNew(t *testing.T) {
	ks, err := New("passphrase", "salt", 90)
	if err != nil {
		t.Fatalf("failed to create key store: %v", err)
	}
	if ks.CurrentVersion() != 1 {
		t.Errorf("expected version 1, got %d", ks.CurrentVersion())
	}
	if ks.Schedule().IntervalDays != 90 {
		t.Errorf("expected 90 day interval, got %d", ks.Schedule().IntervalDays)
	}
}

func TestNew_EmptyPassphrase(t *testing.T) {
	if _, err := New("", "salt", 90); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestKeyStore_SealOpen(t *testing.T) {
	ks, _ := New("passphrase", "salt", 90)
	key := testKey()
	plaintext := []byte(`{"value":42}`)

	ciphertext, nonce, version, err := ks.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected key version 1, got %d", version)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	opened, err := ks.Open(key, version, nonce, ciphertext)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestKeyStore_OpenWrongResource(t *testing.T) {
	ks, _ := New("passphrase", "salt", 90)

	ciphertext, nonce, version, err := ks.Seal(testKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	// A different resource identity derives a different data key and a
	// different AAD, so the open must fail.
	other := models.ResourceKey{Type: models.ResourceTypeObservation, ID: "obs-2"}
	if _, err := ks.Open(other, version, nonce, ciphertext); err == nil {
		t.Fatal("expected open under another resource identity to fail")
	}
}

func TestKeyStore_OpenTampered(t *testing.T) {
	ks, _ := New("passphrase", "salt", 90)
	key := testKey()

	ciphertext, nonce, version, err := ks.Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	ciphertext[0] ^= 0xff
	_, err = ks.Open(key, version, nonce, ciphertext)
	if err == nil {
		t.Fatal("expected open of tampered ciphertext to fail")
	}
	if !errors.Is(err, models.ErrEncryption) {
		t.Errorf("expected ErrEncryption, got %v", err)
	}
}

func TestKeyStore_Rotate(t *testing.T) {
	ks, _ := New("passphrase", "salt", 90)
	key := testKey()

	ciphertext, nonce, v1, err := ks.Seal(key, []byte("before rotation"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if v := ks.Rotate(); v != 2 {
		t.Fatalf("expected rotation to version 2, got %d", v)
	}
	if ks.CurrentVersion() != 2 {
		t.Errorf("expected current version 2, got %d", ks.CurrentVersion())
	}

	// Old-version ciphertext stays readable until re-encrypted.
	opened, err := ks.Open(key, v1, nonce, ciphertext)
	if err != nil {
		t.Fatalf("open under old version failed: %v", err)
	}
	if string(opened) != "before rotation" {
		t.Errorf("unexpected plaintext %q", opened)
	}

	// New seals use the new version.
	_, _, v2, err := ks.Seal(key, []byte("after rotation"))
	if err != nil {
		t.Fatalf("seal after rotation failed: %v", err)
	}
	if v2 != 2 {
		t.Errorf("expected seal under version 2, got %d", v2)
	}
}

func TestKeyStore_DeterministicDerivation(t *testing.T) {
	ks1, _ := New("passphrase", "salt", 90)
	key := testKey()

	ciphertext, nonce, version, err := ks1.Seal(key, []byte("survives restart"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	// A fresh key store with the same passphrase and salt derives the same
	// master key, so data survives a process restart.
	ks2, _ := New("passphrase", "salt", 90)
	opened, err := ks2.Open(key, version, nonce, ciphertext)
	if err != nil {
		t.Fatalf("open with re-derived keys failed: %v", err)
	}
	if string(opened) != "survives restart" {
		t.Errorf("unexpected plaintext %q", opened)
	}
}

func TestKeyStore_UnknownVersion(t *testing.T) {
	ks, _ := New("passphrase", "salt", 90)
	if _, err := ks.Open(testKey(), 7, []byte("nonce"), []byte("data")); err == nil {
		t.Fatal("expected unknown key version to fail")
	}
}
