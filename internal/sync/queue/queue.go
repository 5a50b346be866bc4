// Package queue provides the durable queue of captured records.
//
// The queue is the only owner of record persistence. It stores rows through
// a db.RecordStore and moves inline attachment bytes into content-addressed
// blob storage before the row is written, so the row only carries metadata.
package queue

import (
	"context"
	"sync"

	"github.com/kimhsiao/formsync/internal/db"
	"github.com/kimhsiao/formsync/internal/logging"
	"github.com/kimhsiao/formsync/internal/models"
	"github.com/kimhsiao/formsync/internal/sync/storage"
)

// SyncQueue is the durable record queue.
type SyncQueue struct {
	mu    sync.Mutex // serializes Append so orphan cleanup never races a shared blob
	store db.RecordStore
	blobs *storage.ContentAddressedStorage
}

// NewSyncQueue creates a SyncQueue over a record store and an attachment blob store.
func NewSyncQueue(store db.RecordStore, blobs *storage.ContentAddressedStorage) *SyncQueue {
	return &SyncQueue{store: store, blobs: blobs}
}

// Append persists rec as pending. Attachment bytes are written to blob
// storage first; on return both the blobs and the row are durable and rec
// carries the stored metadata. If the row cannot be written rec is left as
// it was and blobs created by this call are removed.
func (q *SyncQueue) Append(ctx context.Context, rec *models.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := *rec
	var created []string
	if len(rec.Payload.Attachments) > 0 {
		stored := make([]models.Attachment, len(rec.Payload.Attachments))
		for i, a := range rec.Payload.Attachments {
			if len(a.Data) > 0 {
				existed := q.blobs.Exists(storage.CalculateHash(a.Data))
				hash, err := q.blobs.Store(a.Data)
				if err != nil {
					q.discard(created)
					return err
				}
				if !existed {
					created = append(created, hash)
				}
				a.Hash = hash
				a.Size = int64(len(a.Data))
				a.Data = nil
			}
			stored[i] = a
		}
		row.Payload.Attachments = stored
	}

	if err := q.store.Append(ctx, &row); err != nil {
		q.discard(created)
		return err
	}
	*rec = row

	logging.Debug("Record queued", map[string]interface{}{
		"record_id":   rec.ID.String(),
		"seq":         rec.Seq,
		"attachments": len(rec.Payload.Attachments),
	})
	return nil
}

// discard removes blobs written by an Append whose row was rejected.
func (q *SyncQueue) discard(hashes []string) {
	for _, h := range hashes {
		if err := q.blobs.Delete(h); err != nil {
			logging.Warn("Failed to remove orphan attachment", map[string]interface{}{
				"hash":  h,
				"error": err.Error(),
			})
		}
	}
}

// Pending returns records awaiting delivery, oldest insertion first.
func (q *SyncQueue) Pending(ctx context.Context) ([]*models.Record, error) {
	return q.store.Pending(ctx)
}

// All returns every record, newest first.
func (q *SyncQueue) All(ctx context.Context) ([]*models.Record, error) {
	return q.store.All(ctx)
}

// Get returns one record.
func (q *SyncQueue) Get(ctx context.Context, id string) (*models.Record, error) {
	return q.store.Get(ctx, id)
}

// MarkSynced records a successful delivery.
func (q *SyncQueue) MarkSynced(ctx context.Context, id string) error {
	if err := q.store.MarkSynced(ctx, id); err != nil {
		return err
	}
	logging.Debug("Record marked synced", map[string]interface{}{"record_id": id})
	return nil
}

// Delete removes a record. Its blobs stay, since other records may share them.
func (q *SyncQueue) Delete(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	logging.Info("Record deleted", map[string]interface{}{"record_id": id})
	return nil
}

// Stats counts records by sync state.
func (q *SyncQueue) Stats(ctx context.Context) (db.RecordStats, error) {
	return q.store.Stats(ctx)
}

// Attachment reads a stored attachment blob by content hash.
func (q *SyncQueue) Attachment(hash string) ([]byte, error) {
	return q.blobs.Retrieve(hash)
}
