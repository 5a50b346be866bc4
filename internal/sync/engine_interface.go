package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/formsync/internal/models"
)

// Engine is the surface hosts use to drive synchronization.
type Engine interface {
	// Submit persists a record and attempts delivery when online.
	Submit(ctx context.Context, rec *models.Record) (Outcome, error)

	// Reconcile runs one pass over pending records.
	Reconcile(ctx context.Context) PassResult

	// ListAll returns every record, newest first.
	ListAll(ctx context.Context) ([]*models.Record, error)

	// Get returns one record.
	Get(ctx context.Context, id string) (*models.Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// PendingCount returns the number of undelivered records.
	PendingCount(ctx context.Context) (int, error)

	// IsOnline reports connectivity.
	IsOnline() bool

	// IsSyncing reports whether a pass is running.
	IsSyncing() bool

	// LastSyncError returns the last pass error message, if any.
	LastSyncError() (string, bool)

	// LastSync returns the time of the last clean pass.
	LastSync() *time.Time

	// Status returns a display snapshot.
	Status(ctx context.Context) (Status, error)

	// Subscribe registers for change signals.
	Subscribe() (<-chan struct{}, func())
}

// Reconciler is the narrow surface the scheduler needs.
type Reconciler interface {
	Reconcile(ctx context.Context) PassResult
	IsSyncing() bool
}

var (
	_ Engine     = (*Coordinator)(nil)
	_ Reconciler = (*Coordinator)(nil)
)
