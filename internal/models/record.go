// Package models provides data model definitions for FormSync.
package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/uuid"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncState is the delivery state of a record.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// Attachment is a local-only file attached to a record.
// Data is set on capture; the store moves it to blob storage and keeps Hash.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Hash        string `json:"hash,omitempty"`
	URI         string `json:"uri,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Payload is the user-entered content of a record.
type Payload struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Fields      map[string]string `json:"fields,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Validate checks the payload before it is persisted.
func (p *Payload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return apperrors.New(apperrors.ErrInvalid, "title is required")
	}
	for i, a := range p.Attachments {
		if a.URI == "" && len(a.Data) == 0 && a.Hash == "" {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("attachment %d has no content", i))
		}
	}
	return nil
}

// Record is one captured submission.
type Record struct {
	ID        UUID      `db:"id" json:"id"`
	Payload   Payload   `db:"payload" json:"payload"`
	CreatedAt int64     `db:"created_at" json:"created_at"` // Unix milliseconds
	SyncState SyncState `db:"sync_state" json:"sync_state"`
	SyncedAt  int64     `db:"synced_at" json:"synced_at,omitempty"`
	Seq       int64     `db:"seq" json:"seq,omitempty"`
}

// NewRecord creates a pending record with a fresh id and creation time.
func NewRecord(p Payload) *Record {
	return &Record{
		ID:        UUID(uuid.New()),
		Payload:   p,
		CreatedAt: NowMillis(),
		SyncState: SyncPending,
	}
}

// IsSynced reports whether the record reached the remote side.
func (r *Record) IsSynced() bool {
	return r.SyncState == SyncSynced
}

var lastMillis atomic.Int64

// NowMillis returns the wall clock in Unix milliseconds, strictly increasing
// across calls within this process.
func NowMillis() int64 {
	for {
		now := time.Now().UnixMilli()
		prev := lastMillis.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastMillis.CompareAndSwap(prev, now) {
			return now
		}
	}
}
