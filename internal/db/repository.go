// Package db provides the durable record repository.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/models"
)

const recordColumns = `seq, id, payload, created_at, sync_state, synced_at`

// RecordStats summarizes the record table.
type RecordStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

// RecordRepository persists records in SQLite.
type RecordRepository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRecordRepository creates a new RecordRepository instance.
func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *RecordRepository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have stored the same query first.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *RecordRepository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Append inserts rec as pending. A record with the same id is never
// overwritten; the insert fails with DUPLICATE_ID instead.
func (r *RecordRepository) Append(ctx context.Context, rec *models.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
	}

	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO records (id, payload, created_at, sync_state, synced_at)
	VALUES (?, ?, ?, 'pending', 0)
	ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "append", err)
	}

	res, err := stmt.ExecContext(ctx, rec.ID, payload, rec.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "append", err)
	}
	if n == 0 {
		return apperrors.DuplicateID(rec.ID.String())
	}

	seq, err := res.LastInsertId()
	if err == nil {
		rec.Seq = seq
	}
	rec.SyncState = models.SyncPending
	rec.SyncedAt = 0
	return nil
}

// Pending returns pending records in insertion order.
func (r *RecordRepository) Pending(ctx context.Context) ([]*models.Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM records
	WHERE sync_state = 'pending' ORDER BY seq ASC`)
}

// All returns every record, newest first by creation time.
func (r *RecordRepository) All(ctx context.Context) ([]*models.Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM records
	ORDER BY created_at DESC, seq DESC`)
}

// Get returns one record by id.
func (r *RecordRepository) Get(ctx context.Context, id string) (*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get", err)
	}
	rec, err := scanRecord(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get", err)
	}
	return rec, nil
}

// MarkSynced moves a record from pending to synced. Marking an already
// synced record is a no-op; an unknown id fails with NOT_FOUND.
func (r *RecordRepository) MarkSynced(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE records SET sync_state = 'synced', synced_at = ?
	WHERE id = ? AND sync_state = 'pending'`, time.Now().UnixMilli(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
	}

	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&one)
		if stderrors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound(id)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
	}
	return nil
}

// Delete removes a record regardless of its sync state.
func (r *RecordRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete", err)
	}
	if n == 0 {
		return apperrors.NotFound(id)
	}
	return nil
}

// Stats counts records by sync state.
func (r *RecordRepository) Stats(ctx context.Context) (RecordStats, error) {
	var s RecordStats
	err := r.db.QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		COUNT(CASE WHEN sync_state = 'pending' THEN 1 END),
		COUNT(CASE WHEN sync_state = 'synced' THEN 1 END)
	FROM records`).Scan(&s.Total, &s.Pending, &s.Synced)
	if err != nil {
		return RecordStats{}, apperrors.Wrap(apperrors.ErrDatabase, "stats", err)
	}
	return s, nil
}

func (r *RecordRepository) query(ctx context.Context, query string) ([]*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query records", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query records", err)
	}
	defer rows.Close()

	records := make([]*models.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query records", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s rowScanner) (*models.Record, error) {
	var (
		rec     models.Record
		payload []byte
		state   string
	)
	if err := s.Scan(&rec.Seq, &rec.ID, &payload, &rec.CreatedAt, &state, &rec.SyncedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	rec.SyncState = models.SyncState(state)
	return &rec, nil
}
