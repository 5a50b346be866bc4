// Package sync coordinates local capture with delivery to the remote side.
//
// Records are written to the local store before any network activity. A
// reconcile pass walks the pending records in insertion order, sends each one
// once, and marks it synced only after the remote acknowledges it. At most
// one pass runs at a time; triggers that arrive during a pass are dropped.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/formsync/internal/db"
	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
	"github.com/kimhsiao/formsync/internal/models"
	"github.com/kimhsiao/formsync/internal/telemetry"
	"github.com/kimhsiao/formsync/internal/uuid"
)

// PartialFailureMessage is recorded when one or more sends fail in a pass.
const PartialFailureMessage = "Sync failed for some items."

// DefaultSendTimeout bounds a single remote send.
const DefaultSendTimeout = 15 * time.Second

// Outcome is the result of a submission.
type Outcome string

const (
	OutcomeSynced         Outcome = "synced"
	OutcomePendingOffline Outcome = "pending_offline"
	OutcomePendingError   Outcome = "pending_error"
)


// Store is the durable record log the coordinator drains.
type Store interface {
	Append(ctx context.Context, rec *models.Record) error
	Pending(ctx context.Context) ([]*models.Record, error)
	All(ctx context.Context) ([]*models.Record, error)
	Get(ctx context.Context, id string) (*models.Record, error)
	MarkSynced(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (db.RecordStats, error)
}

// RemoteClient delivers one record. A nil error is an acknowledgement.
type RemoteClient interface {
	Send(ctx context.Context, rec *models.Record) error
}

// Connectivity reports whether the remote side is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// PassResult describes one reconcile pass.
type PassResult struct {
	Skipped    bool
	SkipReason string
	Attempted  int
	Synced     int
	Failed     int
	Fault      string
	StartTime  time.Time
	Duration   time.Duration
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Online        bool       `json:"online"`
	Syncing       bool       `json:"syncing"`
	Pending       int        `json:"pending"`
	Synced        int        `json:"synced"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
}

// Config holds coordinator settings.
type Config struct {
	SendTimeout time.Duration
}

// Coordinator owns the reconcile pass and the user-facing sync state.
type Coordinator struct {
	store  Store
	remote RemoteClient
	conn   Connectivity
	cfg    Config

	busy     atomic.Bool
	notifier *Notifier

	mu       gosync.RWMutex
	lastErr  string
	lastSync *time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, remote RemoteClient, conn Connectivity, cfg Config) *Coordinator {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Coordinator{
		store:    store,
		remote:   remote,
		conn:     conn,
		cfg:      cfg,
		notifier: NewNotifier(),
	}
}

// Submit persists rec and, when online, runs a pass so the caller learns
// whether it was delivered. A nil error means the record is durable whatever
// the outcome. Validation and storage errors are returned as-is and nothing
// is persisted.
func (c *Coordinator) Submit(ctx context.Context, rec *models.Record) (Outcome, error) {
	if rec == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "record is required")
	}
	if err := rec.Payload.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New())
	} else {
		id, err := uuid.Canonical(rec.ID.String())
		if err != nil {
			return "", err
		}
		rec.ID = models.UUID(id)
	}
	if rec.CreatedAt <= 0 {
		rec.CreatedAt = models.NowMillis()
	}
	rec.SyncState = models.SyncPending
	rec.SyncedAt = 0

	if err := c.store.Append(ctx, rec); err != nil {
		return "", err
	}
	c.notifier.Notify()

	if !c.conn.IsOnline() {
		logging.Info("Record saved offline", map[string]interface{}{"record_id": rec.ID.String()})
		return OutcomePendingOffline, nil
	}

	c.Reconcile(ctx)

	got, err := c.store.Get(context.WithoutCancel(ctx), rec.ID.String())
	if err != nil {
		// The record is durable; only its state could not be read back.
		logging.Warn("Failed to read back submitted record", map[string]interface{}{
			"record_id": rec.ID.String(),
			"error":     err.Error(),
		})
		return OutcomePendingError, nil
	}
	switch {
	case got.IsSynced():
		return OutcomeSynced, nil
	case !c.conn.IsOnline():
		return OutcomePendingOffline, nil
	default:
		return OutcomePendingError, nil
	}
}

// Reconcile runs one pass over the pending records. It returns immediately
// with Skipped set when offline or when another pass is running. A started
// pass runs to completion even if ctx is cancelled.
func (c *Coordinator) Reconcile(ctx context.Context) PassResult {
	if !c.conn.IsOnline() {
		telemetry.RecordSyncPass(telemetry.PassSkipped, 0)
		return PassResult{Skipped: true, SkipReason: "offline"}
	}
	if !c.busy.CompareAndSwap(false, true) {
		telemetry.RecordSyncPass(telemetry.PassSkipped, 0)
		return PassResult{Skipped: true, SkipReason: "busy"}
	}
	defer func() {
		c.busy.Store(false)
		c.notifier.Notify()
	}()

	c.setLastError("")
	c.notifier.Notify()

	return c.runPass(context.WithoutCancel(ctx))
}

func (c *Coordinator) runPass(ctx context.Context) (res PassResult) {
	res.StartTime = time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Fault = fmt.Sprintf("Sync error: %v", r)
			c.setLastError(res.Fault)
			logging.ErrorWithCode("Sync pass panicked", string(apperrors.ErrInternal), nil, map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
		res.Duration = time.Since(res.StartTime)
		c.finishPass(ctx, &res)
	}()

	pending, err := c.store.Pending(ctx)
	if err != nil {
		c.fault(&res, err)
		return res
	}

	for _, rec := range pending {
		res.Attempted++
		if err := c.send(ctx, rec); err != nil {
			res.Failed++
			telemetry.RecordSend(false)
			c.setLastError(PartialFailureMessage)
			logging.Warn("Record send failed", map[string]interface{}{
				"record_id": rec.ID.String(),
				"seq":       rec.Seq,
				"error":     err.Error(),
			})
			continue
		}
		telemetry.RecordSend(true)

		if err := c.store.MarkSynced(ctx, rec.ID.String()); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				logging.Debug("Record deleted during pass", map[string]interface{}{"record_id": rec.ID.String()})
				continue
			}
			c.fault(&res, err)
			return res
		}
		res.Synced++
		c.notifier.Notify()
	}
	return res
}

// fault records a pass-level failure. The pass stops; remaining records
// stay pending for the next pass.
func (c *Coordinator) fault(res *PassResult, err error) {
	msg := err.Error()
	if msg == "" {
		msg = "Sync error"
	}
	res.Fault = msg
	c.setLastError(msg)
	logging.ErrorWithCode("Sync pass aborted", string(apperrors.CodeOf(err)), err)
}

func (c *Coordinator) finishPass(ctx context.Context, res *PassResult) {
	result := telemetry.PassCompleted
	switch {
	case res.Fault != "":
		result = telemetry.PassFault
	case res.Failed > 0:
		result = telemetry.PassPartial
	}
	telemetry.RecordSyncPass(result, res.Duration)

	if result == telemetry.PassCompleted {
		now := time.Now()
		c.mu.Lock()
		c.lastSync = &now
		c.mu.Unlock()
	}

	if stats, err := c.store.Stats(ctx); err == nil {
		telemetry.SetPending(stats.Pending)
	}

	logging.Info("Sync pass finished", map[string]interface{}{
		"result":      result,
		"attempted":   res.Attempted,
		"synced":      res.Synced,
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// send makes one bounded delivery attempt.
func (c *Coordinator) send(ctx context.Context, rec *models.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("send panicked: %v", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return c.remote.Send(ctx, rec)
}

func (c *Coordinator) setLastError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

// ListAll returns every record, newest first.
func (c *Coordinator) ListAll(ctx context.Context) ([]*models.Record, error) {
	return c.store.All(ctx)
}

// Get returns one record.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.Record, error) {
	id, err := uuid.Canonical(id)
	if err != nil {
		return nil, err
	}
	return c.store.Get(ctx, id)
}

// Delete removes a record regardless of its state.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	id, err := uuid.Canonical(id)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.notifier.Notify()
	return nil
}

// PendingCount returns the number of records awaiting delivery.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

// IsOnline reports the connectivity monitor's current belief.
func (c *Coordinator) IsOnline() bool {
	return c.conn.IsOnline()
}

// IsSyncing reports whether a pass is running.
func (c *Coordinator) IsSyncing() bool {
	return c.busy.Load()
}

// LastSyncError returns the message left by the most recent pass, if any.
func (c *Coordinator) LastSyncError() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr, c.lastErr != ""
}

// LastSync returns when the last fully successful pass finished.
func (c *Coordinator) LastSync() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// Status assembles a snapshot for display.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	msg, _ := c.LastSyncError()
	return Status{
		Online:        c.IsOnline(),
		Syncing:       c.IsSyncing(),
		Pending:       stats.Pending,
		Synced:        stats.Synced,
		LastSyncError: msg,
		LastSyncAt:    c.LastSync(),
	}, nil
}

// Subscribe returns a channel that receives a signal whenever records or
// sync state change, and a function that ends the subscription.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	return c.notifier.Subscribe()
}

// RemoteFunc adapts a function to RemoteClient.
type RemoteFunc func(ctx context.Context, rec *models.Record) error

// Send calls f.
func (f RemoteFunc) Send(ctx context.Context, rec *models.Record) error {
	return f(ctx, rec)
}
