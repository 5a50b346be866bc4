// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/formsync/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts passes and can be held inside one.
type fakeEngine struct {
	calls   atomic.Int32
	syncing atomic.Bool
	hold    chan struct{}
	result  syncpkg.PassResult
}

func (e *fakeEngine) Reconcile(ctx context.Context) syncpkg.PassResult {
	e.calls.Add(1)
	if e.hold != nil {
		e.syncing.Store(true)
		<-e.hold
		e.syncing.Store(false)
	}
	return e.result
}

func (e *fakeEngine) IsSyncing() bool {
	return e.syncing.Load()
}

func createTestScheduler(t *testing.T, interval time.Duration) (*fakeEngine, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	scheduler := NewScheduler(engine, &SchedulerConfig{SyncInterval: interval})
	t.Cleanup(scheduler.Stop)
	return engine, scheduler
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", config.SyncInterval)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	scheduler := NewScheduler(&fakeEngine{}, nil)

	if scheduler.syncInterval != 30*time.Second {
		t.Errorf("syncInterval = %v, want 30s (default)", scheduler.syncInterval)
	}
}

func TestNewScheduler_zeroInterval(t *testing.T) {
	scheduler := NewScheduler(&fakeEngine{}, &SchedulerConfig{})

	if scheduler.syncInterval != 30*time.Second {
		t.Errorf("syncInterval = %v, want 30s (default)", scheduler.syncInterval)
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_Start_runsImmediately verifies a pass is attempted on start.
func TestScheduler_Start_runsImmediately(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)

	scheduler.Start(context.Background())

	if !scheduler.GetStatus().IsRunning {
		t.Error("Start() should set isRunning to true")
	}
	waitFor(t, func() bool { return engine.calls.Load() == 1 })
}

// TestScheduler_Start_idempotent verifies Start can be called multiple times.
func TestScheduler_Start_idempotent(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)
	ctx := context.Background()

	scheduler.Start(ctx)
	scheduler.Start(ctx)
	waitFor(t, func() bool { return engine.calls.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := engine.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// TestScheduler_interval verifies periodic passes.
func TestScheduler_interval(t *testing.T) {
	engine, scheduler := createTestScheduler(t, 20*time.Millisecond)

	scheduler.Start(context.Background())
	waitFor(t, func() bool { return engine.calls.Load() >= 3 })
}

// TestScheduler_Stop verifies graceful shutdown.
func TestScheduler_Stop(t *testing.T) {
	engine, scheduler := createTestScheduler(t, 10*time.Millisecond)

	scheduler.Start(context.Background())
	waitFor(t, func() bool { return engine.calls.Load() >= 1 })
	scheduler.Stop()

	if scheduler.GetStatus().IsRunning {
		t.Error("Stop() should set isRunning to false")
	}

	after := engine.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := engine.calls.Load(); got != after {
		t.Errorf("passes continued after Stop: %d -> %d", after, got)
	}
}

// TestScheduler_Stop_idempotent verifies Stop can be called multiple times.
func TestScheduler_Stop_idempotent(t *testing.T) {
	_, scheduler := createTestScheduler(t, time.Hour)

	scheduler.Stop()
	scheduler.Start(context.Background())
	scheduler.Stop()
	scheduler.Stop()

	if scheduler.GetStatus().IsRunning {
		t.Error("Stop() should keep scheduler stopped")
	}
}

// TestScheduler_restart verifies the scheduler can be started again after Stop.
func TestScheduler_restart(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)
	ctx := context.Background()

	scheduler.Start(ctx)
	waitFor(t, func() bool { return engine.calls.Load() == 1 })
	scheduler.Stop()

	scheduler.Start(ctx)
	waitFor(t, func() bool { return engine.calls.Load() == 2 })
}

func TestScheduler_contextCancelStopsLoop(t *testing.T) {
	engine, scheduler := createTestScheduler(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	scheduler.Start(ctx)
	waitFor(t, func() bool { return engine.calls.Load() >= 1 })
	cancel()
	time.Sleep(30 * time.Millisecond)

	after := engine.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := engine.calls.Load(); got != after {
		t.Errorf("passes continued after cancel: %d -> %d", after, got)
	}
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_OnReachabilityChange verifies regaining connectivity triggers a pass.
func TestScheduler_OnReachabilityChange(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)

	scheduler.Start(context.Background())
	waitFor(t, func() bool { return engine.calls.Load() == 1 })

	scheduler.OnReachabilityChange(false)
	time.Sleep(30 * time.Millisecond)
	if got := engine.calls.Load(); got != 1 {
		t.Errorf("losing connectivity should not trigger a pass, calls = %d", got)
	}

	scheduler.OnReachabilityChange(true)
	waitFor(t, func() bool { return engine.calls.Load() == 2 })
}

// TestScheduler_TriggerSync_whileSyncing verifies triggers are dropped during a pass.
func TestScheduler_TriggerSync_whileSyncing(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)
	engine.hold = make(chan struct{})

	scheduler.Start(context.Background())
	waitFor(t, engine.IsSyncing)

	if scheduler.TriggerSync() {
		t.Error("TriggerSync() should return false while a pass is running")
	}

	close(engine.hold)
	waitFor(t, func() bool { return !engine.IsSyncing() })
}

// TestScheduler_TriggerSync_coalesces verifies at most one trigger is queued.
func TestScheduler_TriggerSync_coalesces(t *testing.T) {
	_, scheduler := createTestScheduler(t, time.Hour)

	if !scheduler.TriggerSync() {
		t.Error("first TriggerSync() should be accepted")
	}
	if scheduler.TriggerSync() {
		t.Error("second TriggerSync() should be coalesced")
	}
}

// =====================================================
// SyncNow / GetStatus Tests
// =====================================================

func TestScheduler_SyncNow(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)
	engine.result = syncpkg.PassResult{Attempted: 2, Synced: 2}

	result := scheduler.SyncNow(context.Background())

	if result.Synced != 2 {
		t.Errorf("Synced = %d, want 2", result.Synced)
	}

	status := scheduler.GetStatus()
	if status.LastRunTime == nil {
		t.Error("LastRunTime should be set after a pass")
	}
	if status.LastResult == nil || status.LastResult.Synced != 2 {
		t.Errorf("LastResult = %+v, want Synced 2", status.LastResult)
	}
	if status.Runs != 1 {
		t.Errorf("Runs = %d, want 1", status.Runs)
	}
}

// TestScheduler_GetStatus_default verifies default status.
func TestScheduler_GetStatus_default(t *testing.T) {
	_, scheduler := createTestScheduler(t, time.Hour)

	status := scheduler.GetStatus()

	if status.IsRunning {
		t.Error("IsRunning should be false initially")
	}
	if status.SyncInProgress {
		t.Error("SyncInProgress should be false initially")
	}
	if status.LastRunTime != nil {
		t.Error("LastRunTime should be nil initially")
	}
}

// TestScheduler_GetStatus_skippedPass verifies skipped passes do not update LastRunTime.
func TestScheduler_GetStatus_skippedPass(t *testing.T) {
	engine, scheduler := createTestScheduler(t, time.Hour)
	engine.result = syncpkg.PassResult{Skipped: true, SkipReason: "offline"}

	scheduler.SyncNow(context.Background())

	status := scheduler.GetStatus()
	if status.LastRunTime != nil {
		t.Error("LastRunTime should stay nil after a skipped pass")
	}
	if status.Runs != 1 {
		t.Errorf("Runs = %d, want 1", status.Runs)
	}
}

// =====================================================
// Concurrency Tests
// =====================================================

// TestScheduler_ConcurrentAccess verifies thread-safe status reads during activity.
func TestScheduler_ConcurrentAccess(t *testing.T) {
	_, scheduler := createTestScheduler(t, 5*time.Millisecond)
	scheduler.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = scheduler.GetStatus()
				scheduler.TriggerSync()
			}
		}()
	}
	wg.Wait()
}
