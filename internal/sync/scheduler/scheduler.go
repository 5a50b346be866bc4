// Package scheduler triggers reconcile passes in the background.
//
// A pass is attempted once on Start, then on every tick of the sync
// interval, and whenever connectivity is regained. The coordinator drops
// overlapping passes, so triggers here never queue up more than one run.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
	syncpkg "github.com/kimhsiao/formsync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.Reconciler
	syncInterval time.Duration
	triggerCh    chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	lastRunTime  time.Time
	lastResult   *syncpkg.PassResult
	runs         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to attempt a pass (default: 30 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.Reconciler, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}

	return &Scheduler{
		engine:       engine,
		syncInterval: config.SyncInterval,
		triggerCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start starts the background loop and attempts a pass immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the background loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.runSync(ctx, "start")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx, "interval")
		case <-s.triggerCh:
			s.runSync(ctx, "trigger")
		}
	}
}

// runSync executes one pass and records its result.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithCode("Scheduled sync panicked", string(errors.ErrInternal), nil,
				map[string]interface{}{"panic": r, "reason": reason})
		}
	}()

	result := s.engine.Reconcile(ctx)
	s.record(result)

	switch {
	case result.Skipped:
		logging.Debug("Scheduled sync skipped",
			map[string]interface{}{"reason": reason, "skip_reason": result.SkipReason})
	case result.Fault != "":
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), nil,
			map[string]interface{}{"reason": reason, "fault": result.Fault})
	default:
		logging.Debug("Scheduled sync completed",
			map[string]interface{}{
				"reason": reason,
				"synced": result.Synced,
				"failed": result.Failed,
			})
	}
}

func (s *Scheduler) record(result syncpkg.PassResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	if !result.Skipped {
		s.lastRunTime = time.Now()
		s.lastResult = &result
	}
}

// TriggerSync asks the loop to attempt a pass soon.
// Returns false if a pass is running or a trigger is already queued.
func (s *Scheduler) TriggerSync() bool {
	if s.engine.IsSyncing() {
		return false
	}
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// OnReachabilityChange is registered with the connectivity monitor.
// Regaining reachability triggers a pass.
func (s *Scheduler) OnReachabilityChange(reachable bool) {
	if !reachable {
		return
	}
	logging.Info("Connectivity regained, triggering sync", nil)
	s.TriggerSync()
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool
	SyncInProgress bool
	LastRunTime    *time.Time
	LastResult     *syncpkg.PassResult
	Runs           int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		SyncInProgress: s.engine.IsSyncing(),
		Runs:           s.runs,
	}
	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		status.LastRunTime = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		status.LastResult = &r
	}
	return status
}

// SyncNow runs a pass on the caller's goroutine and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) syncpkg.PassResult {
	result := s.engine.Reconcile(ctx)
	s.record(result)

	logging.Info("Manual sync finished",
		map[string]interface{}{
			"skipped": result.Skipped,
			"synced":  result.Synced,
			"failed":  result.Failed,
		})
	return result
}
