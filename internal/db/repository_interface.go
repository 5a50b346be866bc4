// Package db provides repository interfaces for FormSync records.
package db

import (
	"context"

	"github.com/kimhsiao/formsync/internal/models"
)

// RecordStore defines operations for record persistence.
// Implementations must be safe for concurrent use.
type RecordStore interface {
	// Append inserts a pending record; DUPLICATE_ID if the id exists.
	Append(ctx context.Context, rec *models.Record) error

	// Pending returns pending records in insertion order.
	Pending(ctx context.Context) ([]*models.Record, error)

	// All returns every record newest first.
	All(ctx context.Context) ([]*models.Record, error)

	// Get returns one record; NOT_FOUND if unknown.
	Get(ctx context.Context, id string) (*models.Record, error)

	// MarkSynced flips pending to synced; no-op if already synced.
	MarkSynced(ctx context.Context, id string) error

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// Stats counts records by state.
	Stats(ctx context.Context) (RecordStats, error)
}

var _ RecordStore = (*RecordRepository)(nil)
