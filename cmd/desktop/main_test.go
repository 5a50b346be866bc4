// Package main tests for desktop server initialization and routing.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/formsync/internal/app"
	"github.com/kimhsiao/formsync/internal/config"
	"github.com/kimhsiao/formsync/internal/crypto"
)

type stubProber struct{ up atomic.Bool }

func (p *stubProber) Probe(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("offline")
}

// setupTestServer starts the full router over a real engine.
func setupTestServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":101}`)
	}))
	t.Cleanup(remote.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.Endpoint = remote.URL
	cfg.Sync.Interval = time.Hour

	a, err := app.Open(cfg, app.Options{Prober: &stubProber{}, NoLink: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	hub := NewWSHub()
	t.Cleanup(hub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	changes, unsubscribe := a.Engine.Subscribe()
	t.Cleanup(unsubscribe)
	go hub.Forward(ctx, changes)

	srv := httptest.NewServer(newRouter(routeDeps{
		Engine:      a.Engine,
		Runner:      a.Scheduler,
		Attachments: a,
		Hub:         hub,
	}))
	t.Cleanup(srv.Close)
	return srv, a
}

func TestRouter_health(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRouter_recordLifecycle(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Post(srv.URL+"/api/records", "application/json",
		strings.NewReader(`{"title":"Broken window","fields":{"unit":"4B"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp2, err := http.Get(srv.URL + "/api/records/" + created.Record.ID)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/api/records")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestRouter_unknownRoute(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_metrics(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "formsync_http_requests_total")
	assert.Contains(t, string(body), `path="/api/health"`)
}

// TestRouter_eventsWebSocket verifies a capture produces a records.changed frame.
func TestRouter_eventsWebSocket(t *testing.T) {
	srv, _ := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration happens asynchronously after the upgrade.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			EventClients int `json:"event_clients"`
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil && body.EventClients == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/records", "application/json", bytes.NewBufferString(`{"title":"a"}`))
	require.NoError(t, err)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env WSEnvelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, EventRecordsChanged, env.Type)
	assert.Positive(t, env.Timestamp)
}

func TestLoopbackOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example.com", false},
		{"::bad", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, loopbackOrigin(r), "origin %q", tt.origin)
	}
}

func TestNewRootCommand_flags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"config", "listen", "data-dir", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "formsync-desktop", cmd.Use)
}

func TestSealCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"argument", []string{"seal", "s3cr3t"}, ""},
		{"stdin", []string{"seal"}, "s3cr3t\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := NewRootCommand()
			cmd.SetArgs(tt.args)
			cmd.SetIn(strings.NewReader(tt.stdin))
			cmd.SetOut(&out)
			require.NoError(t, cmd.Execute())

			sealed := strings.TrimSpace(out.String())
			plain, err := crypto.OpenSecret(sealed, crypto.MachineKey())
			require.NoError(t, err)
			assert.Equal(t, "s3cr3t", plain)
		})
	}
}

func TestSealCommand_empty(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"seal"})
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetOut(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestLoadConfig_flagsOverride(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(&RootOptions{Listen: "127.0.0.1:0", DataDir: dir, LogLevel: "debug"})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_invalidLevel(t *testing.T) {
	_, err := loadConfig(&RootOptions{LogLevel: "loud"})
	assert.Error(t, err)
}

// TestServe_gracefulShutdown verifies serve returns cleanly when its context ends.
func TestServe_gracefulShutdown(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer probe.Close()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.Remote.Endpoint = probe.URL
	cfg.Connectivity.ProbeURL = probe.URL

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
