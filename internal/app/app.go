// Package app assembles the FormSync engine from configuration and owns
// its lifecycle. Both host processes go through here.
package app

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/kimhsiao/formsync/internal/config"
	"github.com/kimhsiao/formsync/internal/connectivity"
	"github.com/kimhsiao/formsync/internal/db"
	"github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
	syncpkg "github.com/kimhsiao/formsync/internal/sync"
	"github.com/kimhsiao/formsync/internal/sync/queue"
	"github.com/kimhsiao/formsync/internal/sync/remote"
	"github.com/kimhsiao/formsync/internal/sync/scheduler"
	"github.com/kimhsiao/formsync/internal/sync/storage"
)

// Options replaces parts of the default wiring. Zero values use the
// implementations derived from Config.
type Options struct {
	Remote syncpkg.RemoteClient
	Prober connectivity.Prober
	Link   connectivity.LinkSource
	NoLink bool // disable passive link polling
}

// App is a running FormSync engine.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Queue     *queue.SyncQueue
	Monitor   *connectivity.Monitor
	Engine    *syncpkg.Coordinator
	Scheduler *scheduler.Scheduler

	repo      *db.RecordRepository
	closeOnce sync.Once
	closeErr  error
}

// Open opens the store under cfg.DataDir, applies migrations and wires the
// engine. Nothing runs in the background until Start.
func Open(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rc := opts.Remote
	if rc == nil {
		var err error
		if rc, err = NewRemote(cfg.Remote); err != nil {
			return nil, err
		}
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	repo := db.NewRecordRepository(database.DB)
	blobs := storage.NewContentAddressedStorage(filepath.Join(cfg.DataDir, "attachments"))
	q := queue.NewSyncQueue(repo, blobs)

	prober := opts.Prober
	if prober == nil {
		prober = connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout)
	}
	link := opts.Link
	if link == nil && !opts.NoLink {
		link = connectivity.InterfaceLinkSource{}
	}
	monitor := connectivity.NewMonitor(prober, link, connectivity.Config{
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
		SlowInterval: cfg.Connectivity.SlowInterval,
		FastInterval: cfg.Connectivity.FastInterval,
	})

	engine := syncpkg.NewCoordinator(q, rc, monitor, syncpkg.Config{SendTimeout: cfg.Remote.SendTimeout})
	sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{SyncInterval: cfg.Sync.Interval})
	monitor.OnChange(sched.OnReachabilityChange)

	logging.Info("FormSync engine opened", map[string]interface{}{
		"db_path":     database.Path(),
		"remote_kind": cfg.Remote.Kind,
	})

	return &App{
		Config:    cfg,
		DB:        database,
		Queue:     q,
		Monitor:   monitor,
		Engine:    engine,
		Scheduler: sched,
		repo:      repo,
	}, nil
}

// NewRemote builds the remote client selected by cfg.Kind.
func NewRemote(cfg config.RemoteConfig) (syncpkg.RemoteClient, error) {
	switch cfg.Kind {
	case config.RemoteHTTP, "":
		return remote.NewHTTPClient(remote.HTTPConfig{
			Endpoint: cfg.Endpoint,
			UserID:   cfg.UserID,
		}), nil
	case config.RemoteObjectStore:
		o := cfg.ObjectStore
		c, err := remote.NewObjectStoreClient(remote.ObjectStoreConfig{
			Endpoint:  o.Endpoint,
			Bucket:    o.Bucket,
			Prefix:    o.Prefix,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			Region:    o.Region,
			UseSSL:    o.UseSSL,
			UserID:    cfg.UserID,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, errors.New(errors.ErrInvalid, "unknown remote kind: "+cfg.Kind)
}

// Start launches the connectivity monitor and the sync scheduler.
func (a *App) Start(ctx context.Context) {
	a.Monitor.Start(ctx)
	a.Scheduler.Start(ctx)
}

// Attachment returns the bytes of a stored attachment.
func (a *App) Attachment(hash string) ([]byte, error) {
	return a.Queue.Attachment(hash)
}

// Close stops background work, waits for a running pass, and closes the
// store. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		a.Monitor.Stop()
		a.repo.Close()
		a.closeErr = a.DB.Close()
		logging.Info("FormSync engine closed", nil)
	})
	return a.closeErr
}
