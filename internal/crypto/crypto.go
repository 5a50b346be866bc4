// Package crypto seals credentials so they can be kept in a config file.
// Values are encrypted with AES-256-GCM under a key derived from the machine
// identifier, so a sealed value only opens on the machine that sealed it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
)

// SealedPrefix marks a config value produced by SealSecret.
const SealedPrefix = "sealed:"

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// Encrypt encrypts plaintext using AES-256-GCM and returns base64.
// The cipher key is SHA-256 of key.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrInvalidKey
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	n := gcm.NonceSize()
	if len(data) < n {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// SealSecret encrypts value with key and adds the sealed prefix.
func SealSecret(value string, key []byte) (string, error) {
	ct, err := Encrypt([]byte(value), key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// OpenSecret decrypts a sealed value. Values without the prefix are
// returned unchanged.
func OpenSecret(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	pt, err := Decrypt(strings.TrimPrefix(value, SealedPrefix), key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// DeriveKey derives a 32-byte key from a machine identifier.
func DeriveKey(machineID string) []byte {
	sum := sha256.Sum256([]byte("formsync:" + machineID))
	return sum[:]
}

// MachineKey returns the key for this machine.
func MachineKey() []byte {
	return DeriveKey(machineIdentifier())
}

func machineIdentifier() string {
	if runtime.GOOS == "linux" {
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(p); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "linux:" + id
				}
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
