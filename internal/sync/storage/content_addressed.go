// Package storage keeps record attachments on local disk, addressed by
// the SHA-256 of their content. Attachments never leave the device.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ContentAddressedStorage stores blobs by their content hash (SHA-256).
// Identical blobs are stored only once.
type ContentAddressedStorage struct {
	baseDir string
}

// NewContentAddressedStorage creates a new ContentAddressedStorage.
func NewContentAddressedStorage(baseDir string) *ContentAddressedStorage {
	return &ContentAddressedStorage{
		baseDir: baseDir,
	}
}

// CalculateHash calculates SHA-256 hash of content.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether s looks like a hash produced by CalculateHash.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Store writes data durably and returns its content hash.
// The blob lands at baseDir/{hash[0:2]}/{hash[2:4]}/{hash} through a
// synced temp file and a rename, so a crash never leaves a partial blob.
func (s *ContentAddressedStorage) Store(data []byte) (string, error) {
	hash := CalculateHash(data)

	dir := filepath.Join(s.baseDir, hash[0:2], hash[2:4])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to create directory", err)
	}

	filePath := filepath.Join(dir, hash)
	if _, err := os.Stat(filePath); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(dir, hash+".*.tmp")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to write blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to close blob", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to publish blob", err)
	}
	syncDir(dir)

	return hash, nil
}

// Retrieve returns the blob for hash, verifying its content.
func (s *ContentAddressedStorage) Retrieve(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid content hash %q", hash))
	}

	data, err := os.ReadFile(s.getPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("attachment %s not found", hash))
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read blob", err)
	}

	if got := CalculateHash(data); got != hash {
		return nil, apperrors.New(apperrors.ErrStorage, fmt.Sprintf("hash mismatch: expected %s, got %s", hash, got))
	}
	return data, nil
}

// Delete removes stored content by hash.
func (s *ContentAddressedStorage) Delete(hash string) error {
	if !ValidHash(hash) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid content hash %q", hash))
	}
	filePath := s.getPath(hash)

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete blob", err)
	}

	// Empty fan-out directories are removed best effort.
	dir := filepath.Dir(filePath)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// Exists checks if content exists for a given hash.
func (s *ContentAddressedStorage) Exists(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	_, err := os.Stat(s.getPath(hash))
	return err == nil
}

func (s *ContentAddressedStorage) getPath(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
