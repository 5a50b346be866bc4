package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/kimhsiao/formsync/internal/app"
	"github.com/kimhsiao/formsync/internal/config"
	"github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
	"github.com/kimhsiao/formsync/internal/models"
)

// bridge holds the engine behind the C exports. Every method returns JSON
// so the shell never sees Go types.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	cancel context.CancelFunc

	errMu   sync.Mutex
	lastErr string
}

var core = &bridge{}

type submitRequest struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Body        string              `json:"body"`
	Fields      map[string]string   `json:"fields"`
	Attachments []models.Attachment `json:"attachments"`
}

// open opens the engine in dataDir. A second call is a no-op.
func (b *bridge) open(dataDir string, opts app.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	cfg, err := config.Load("")
	if err != nil {
		return b.fail(err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Init(os.Stderr, level)

	a, err := app.Open(cfg, opts)
	if err != nil {
		return b.fail(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)

	b.app, b.cancel = a, cancel
	return nil
}

func (b *bridge) engine() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, b.fail(errors.New(errors.ErrInternal, "engine not initialized"))
	}
	return b.app, nil
}

// submit captures one record from a JSON payload.
func (b *bridge) submit(payload string) (string, error) {
	a, err := b.engine()
	if err != nil {
		return "", err
	}

	var req submitRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", b.fail(errors.Wrap(errors.ErrInvalid, "invalid payload", err))
	}
	rec := models.NewRecord(models.Payload{
		Title:       req.Title,
		Body:        req.Body,
		Fields:      req.Fields,
		Attachments: req.Attachments,
	})
	if req.ID != "" {
		rec.ID = models.UUID(req.ID)
	}

	ctx := context.Background()
	outcome, err := a.Engine.Submit(ctx, rec)
	if err != nil {
		return "", b.fail(err)
	}
	stored, err := a.Engine.Get(ctx, rec.ID.String())
	if err != nil {
		return "", b.fail(err)
	}
	return b.encode(map[string]interface{}{"record": stored, "outcome": outcome})
}

// list returns every record, newest first.
func (b *bridge) list() (string, error) {
	a, err := b.engine()
	if err != nil {
		return "", err
	}
	records, err := a.Engine.ListAll(context.Background())
	if err != nil {
		return "", b.fail(err)
	}
	return b.encode(map[string]interface{}{"items": records, "total": len(records)})
}

func (b *bridge) status() (string, error) {
	a, err := b.engine()
	if err != nil {
		return "", err
	}
	st, err := a.Engine.Status(context.Background())
	if err != nil {
		return "", b.fail(err)
	}
	return b.encode(st)
}

// syncNow runs a pass and waits for it.
func (b *bridge) syncNow() (string, error) {
	a, err := b.engine()
	if err != nil {
		return "", err
	}
	res := a.Scheduler.SyncNow(context.Background())
	return b.encode(map[string]interface{}{
		"skipped":     res.Skipped,
		"skip_reason": res.SkipReason,
		"attempted":   res.Attempted,
		"synced":      res.Synced,
		"failed":      res.Failed,
		"fault":       res.Fault,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// cleanup stops the engine. open may be called again afterwards.
func (b *bridge) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return
	}
	b.cancel()
	if err := b.app.Close(); err != nil {
		b.fail(err)
	}
	b.app, b.cancel = nil, nil
}

func (b *bridge) lastError() string {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.lastErr
}

func (b *bridge) encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", b.fail(errors.Wrap(errors.ErrInternal, "encode response", err))
	}
	return string(data), nil
}

// fail records err for GetLastError and returns it.
func (b *bridge) fail(err error) error {
	b.errMu.Lock()
	b.lastErr = err.Error()
	b.errMu.Unlock()
	return err
}
