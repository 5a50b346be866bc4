// Package storage tests for content-addressed attachment storage.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
)

// =====================================================
// CalculateHash Tests
// =====================================================

// TestCalculateHash verifies SHA-256 hash calculation.
func TestCalculateHash(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := CalculateHash([]byte("abc")); got != want {
		t.Errorf("CalculateHash() = %q, want %q", got, want)
	}
	if !ValidHash(want) {
		t.Error("ValidHash() should accept a SHA-256 hex digest")
	}
	if ValidHash("../../etc/passwd") || ValidHash(strings.ToUpper(want)) {
		t.Error("ValidHash() should reject non-digests")
	}
}

// =====================================================
// Store / Retrieve Tests
// =====================================================

func TestStore_andRetrieve(t *testing.T) {
	dir := t.TempDir()
	s := NewContentAddressedStorage(dir)
	data := []byte("photo bytes")

	hash, err := s.Store(data)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	expected := filepath.Join(dir, hash[0:2], hash[2:4], hash)
	if _, err := os.Stat(expected); err != nil {
		t.Errorf("blob not at %s: %v", expected, err)
	}

	got, err := s.Retrieve(hash)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Retrieve() = %q, want %q", got, data)
	}
	if !s.Exists(hash) {
		t.Error("Exists() = false after Store()")
	}
}

// TestStore_deduplicates verifies identical content is stored once.
func TestStore_deduplicates(t *testing.T) {
	dir := t.TempDir()
	s := NewContentAddressedStorage(dir)

	h1, err := s.Store([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Store([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %s vs %s", h1, h2)
	}

	entries, err := os.ReadDir(filepath.Join(dir, h1[0:2], h1[2:4]))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one file and no temp leftovers, got %d entries", len(entries))
	}
}

func TestRetrieve_notFound(t *testing.T) {
	s := NewContentAddressedStorage(t.TempDir())

	_, err := s.Retrieve(CalculateHash([]byte("missing")))
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Retrieve() error = %v, want NOT_FOUND", err)
	}

	_, err = s.Retrieve("zz")
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Retrieve(bad hash) error = %v, want INVALID_INPUT", err)
	}
}

// TestRetrieve_detectsCorruption verifies content is checked against its hash.
func TestRetrieve_detectsCorruption(t *testing.T) {
	s := NewContentAddressedStorage(t.TempDir())

	hash, err := s.Store([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.getPath(hash), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Retrieve(hash)
	if !apperrors.Is(err, apperrors.ErrStorage) {
		t.Errorf("Retrieve() error = %v, want STORAGE_ERROR", err)
	}
}

func TestDelete(t *testing.T) {
	s := NewContentAddressedStorage(t.TempDir())

	hash, err := s.Store([]byte("gone soon"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists(hash) {
		t.Error("Exists() = true after Delete()")
	}
	if err := s.Delete(hash); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}
