// Package uuid generates and validates record identifiers.
//
// Record ids are client-generated UUID v4 strings. They double as the
// idempotency token sent to the remote side, so the canonical form
// (lowercase, hyphenated) is what gets persisted and transmitted.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new record id.
func New() string {
	return uuid.New().String()
}

// Canonical parses s as a UUID v4 and returns its lowercase hyphenated form.
func Canonical(s string) (string, error) {
	if !IsValid(s) {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid record id %q", s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid record id", err)
	}
	return strings.ToLower(id.String()), nil
}

// IsValid checks if a string is a valid UUID v4 in hyphenated form.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an INVALID_INPUT error if s is not a valid record id.
func Validate(s string) error {
	if !IsValid(s) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid record id %q", s))
	}
	return nil
}
