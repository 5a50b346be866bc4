package main

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/formsync/cmd/desktop/handlers"
	"github.com/kimhsiao/formsync/internal/logging"
	syncpkg "github.com/kimhsiao/formsync/internal/sync"
	"github.com/kimhsiao/formsync/internal/telemetry"
)

// routeDeps is what the router needs from the running engine.
type routeDeps struct {
	Engine      syncpkg.Engine
	Runner      handlers.SyncRunner
	Attachments handlers.AttachmentSource
	Hub         *WSHub
}

// newRouter registers every loopback API route.
func newRouter(deps routeDeps) http.Handler {
	records := handlers.NewRecordHandler(deps.Engine, deps.Attachments)
	syncH := handlers.NewSyncHandler(deps.Engine, deps.Runner, deps.Hub)

	r := chi.NewRouter()
	r.Use(recoverer, requestLogger, metrics)

	r.Get("/api/health", syncH.Health)
	r.Get("/api/status", syncH.GetStatus)
	r.Post("/api/sync", syncH.SyncNow)

	r.Route("/api/records", func(r chi.Router) {
		r.Get("/", records.ListRecords)
		r.Post("/", records.CreateRecord)
		r.Get("/{id}", records.GetRecord)
		r.Delete("/{id}", records.DeleteRecord)
	})
	r.Get("/api/attachments/{hash}", records.GetAttachment)
	r.Get("/api/events", HandleWebSocket(deps.Hub))

	r.Handle("/metrics", telemetry.Handler())
	return r
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack lets the WebSocket upgrade take over the connection.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// requestLogger logs each request at a level chosen by its status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusRecorder(w)

		next.ServeHTTP(wrapped, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"bytes":       wrapped.written,
		}
		switch {
		case wrapped.status >= 500:
			logging.Warn("HTTP request failed", fields)
		case wrapped.status >= 400:
			logging.Info("HTTP request rejected", fields)
		default:
			logging.Debug("HTTP request", fields)
		}
	})
}

// metrics records request counts and latency by route pattern, keeping
// record ids out of label values.
func metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusRecorder(w)

		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		telemetry.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.status), time.Since(start))
	})
}

// recoverer turns a handler panic into a 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.ErrorWithCode("Handler panicked", "INTERNAL_ERROR", nil,
					map[string]interface{}{"panic": rec, "path": r.URL.Path})
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
