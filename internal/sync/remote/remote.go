// Package remote delivers records to the remote authority.
//
// Each client makes exactly one outbound attempt per Send call and never
// retries; retry policy belongs to the sync coordinator. A nil error means
// the remote side acknowledged the record. Attachments are never sent.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/models"
)

// IdempotencyHeader carries the record id on every HTTP delivery.
const IdempotencyHeader = "Idempotency-Key"

// Submission is the wire body for one record.
type Submission struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	UserID int               `json:"userId"`
	Fields map[string]string `json:"fields,omitempty"`
}

// NewSubmission maps a record onto the wire body. Attachments are dropped.
func NewSubmission(rec *models.Record, userID int) Submission {
	return Submission{
		Title:  rec.Payload.Title,
		Body:   rec.Payload.Body,
		UserID: userID,
		Fields: rec.Payload.Fields,
	}
}

// classify turns a transport error into a SYNC_TIMEOUT or SYNC_FAILED error.
func classify(ctx context.Context, op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, op, err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, op, err)
}

// recoverSend converts a panic inside a client into a SYNC_FAILED error.
func recoverSend(errp *error) {
	if r := recover(); r != nil {
		*errp = apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("send panicked: %v", r))
	}
}
