// Package connectivity maintains a best-effort "remote reachable" signal.
//
// Passive link events can only take reachability away; only a successful
// active probe grants it. The state starts false until the first probe
// answers.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/formsync/internal/logging"
	"github.com/kimhsiao/formsync/internal/telemetry"
)

// Config holds monitor timing.
type Config struct {
	ProbeTimeout time.Duration // per active probe (default: 8s)
	SlowInterval time.Duration // steady probe cadence (default: 20s)
	FastInterval time.Duration // link state poll cadence (default: 2.5s)
}

// DefaultConfig returns default monitor timing.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 8 * time.Second,
		SlowInterval: 20 * time.Second,
		FastInterval: 2500 * time.Millisecond,
	}
}

// Monitor owns the reachable flag. It is the only writer; any goroutine may read.
type Monitor struct {
	prober Prober
	link   LinkSource
	cfg    Config

	reachable atomic.Bool
	probing   atomic.Bool
	// linkGen increments on every link-down so a probe that started
	// before the link dropped cannot flip the state back to true.
	linkGen atomic.Uint64

	mu        sync.RWMutex
	listeners []func(bool)
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMonitor creates a Monitor. A nil link source disables passive link polling.
func NewMonitor(prober Prober, link LinkSource, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = def.SlowInterval
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = def.FastInterval
	}
	return &Monitor{prober: prober, link: link, cfg: cfg}
}

// IsOnline returns the current belief about the remote side.
func (m *Monitor) IsOnline() bool {
	return m.reachable.Load()
}

// OnChange registers fn to run after every reachable transition.
// fn runs on the monitor's goroutine and must not block.
func (m *Monitor) OnChange(fn func(reachable bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// LinkDown handles a passive link-down event.
func (m *Monitor) LinkDown() {
	m.linkGen.Add(1)
	m.set(false, "link down")
}

// LinkUp handles a passive link-up event by probing. It never sets
// reachable directly.
func (m *Monitor) LinkUp(ctx context.Context) {
	m.Probe(ctx)
}

// Probe runs one active probe unless one is already in flight, in which
// case the call is dropped. It reports whether a probe actually ran.
func (m *Monitor) Probe(ctx context.Context) bool {
	if !m.probing.CompareAndSwap(false, true) {
		logging.Debug("Probe already in flight, dropping trigger", nil)
		return false
	}
	defer m.probing.Store(false)

	gen := m.linkGen.Load()
	ok := m.runProbe(ctx)
	telemetry.RecordProbe(ok)

	if ok && m.linkGen.Load() != gen {
		logging.Debug("Discarding probe result after link change", nil)
		return true
	}
	if ok {
		m.set(true, "probe succeeded")
	} else {
		m.set(false, "probe failed")
	}
	return true
}

// runProbe shields the monitor from a misbehaving prober.
func (m *Monitor) runProbe(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Probe panicked", map[string]interface{}{"panic": r})
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if err := m.prober.Probe(ctx); err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

func (m *Monitor) set(v bool, reason string) {
	if m.reachable.Swap(v) == v {
		return
	}
	telemetry.SetReachable(v)
	logging.Info("Connectivity changed", map[string]interface{}{
		"reachable": v,
		"reason":    reason,
	})

	m.mu.RLock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(v)
	}
}

// Start runs an initial probe, the slow probe loop and the fast link poll.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	telemetry.SetReachable(m.IsOnline())

	m.wg.Add(1)
	go m.probeLoop(ctx)

	if m.link != nil {
		m.wg.Add(1)
		go m.linkLoop(ctx, m.link.LinkUp())
	}

	logging.Info("Connectivity monitor started", map[string]interface{}{
		"slow_interval": m.cfg.SlowInterval.String(),
		"fast_interval": m.cfg.FastInterval.String(),
	})
}

// Stop stops the loops and waits for in-flight probes started by them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	logging.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.Probe(ctx)

	ticker := time.NewTicker(m.cfg.SlowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// linkLoop acts only when the passive link state differs from the previous poll.
func (m *Monitor) linkLoop(ctx context.Context, last bool) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.link.LinkUp()
			if now == last {
				continue
			}
			last = now
			if !now {
				m.LinkDown()
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.LinkUp(ctx)
			}()
		}
	}
}
