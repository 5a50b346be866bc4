package handlers

import (
	"context"
	"net/http"
	"time"

	syncpkg "github.com/kimhsiao/formsync/internal/sync"
	"github.com/kimhsiao/formsync/internal/sync/scheduler"
)

// SyncRunner runs a reconcile pass on demand and reports background activity.
type SyncRunner interface {
	SyncNow(ctx context.Context) syncpkg.PassResult
	GetStatus() scheduler.SchedulerStatus
}

// ClientCounter reports connected event subscribers.
type ClientCounter interface {
	ClientCount() int
}

// SyncHandler handles sync status and manual sync.
type SyncHandler struct {
	engine  syncpkg.Engine
	runner  SyncRunner
	clients ClientCounter
}

// NewSyncHandler creates a new SyncHandler. clients may be nil.
func NewSyncHandler(engine syncpkg.Engine, runner SyncRunner, clients ClientCounter) *SyncHandler {
	return &SyncHandler{engine: engine, runner: runner, clients: clients}
}

type schedulerResponse struct {
	Running    bool          `json:"running"`
	Runs       int           `json:"runs"`
	LastRunAt  *time.Time    `json:"last_run_at,omitempty"`
	LastResult *passResponse `json:"last_result,omitempty"`
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	syncpkg.Status
	Scheduler schedulerResponse `json:"scheduler"`
}

// passResponse is the JSON form of a pass result.
type passResponse struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	Attempted  int    `json:"attempted"`
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`
	Fault      string `json:"fault,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func newPassResponse(res syncpkg.PassResult) passResponse {
	return passResponse{
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		Attempted:  res.Attempted,
		Synced:     res.Synced,
		Failed:     res.Failed,
		Fault:      res.Fault,
		DurationMs: res.Duration.Milliseconds(),
	}
}

// GetStatus handles GET /api/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	sched := h.runner.GetStatus()
	resp := statusResponse{
		Status: status,
		Scheduler: schedulerResponse{
			Running:   sched.IsRunning,
			Runs:      sched.Runs,
			LastRunAt: sched.LastRunTime,
		},
	}
	if sched.LastResult != nil {
		last := newPassResponse(*sched.LastResult)
		resp.Scheduler.LastResult = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncNow handles POST /api/sync
// Runs a pass and waits for it. A pass that is skipped still returns 200
// with skipped set.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	res := h.runner.SyncNow(r.Context())
	writeJSON(w, http.StatusOK, newPassResponse(res))
}

// Health handles GET /api/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": "formsync-desktop",
		"online":  h.engine.IsOnline(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if h.clients != nil {
		body["event_clients"] = h.clients.ClientCount()
	}
	writeJSON(w, http.StatusOK, body)
}
