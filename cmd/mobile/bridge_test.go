package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/formsync/internal/app"
	"github.com/kimhsiao/formsync/internal/models"
)

type stubProber struct{ up atomic.Bool }

func (p *stubProber) Probe(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("offline")
}

// newBridge opens a bridge against a test remote that accepts everything.
func newBridge(t *testing.T, prober *stubProber) *bridge {
	t.Helper()

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(remote.Close)
	t.Setenv("FORMSYNC_ENDPOINT", remote.URL)
	t.Setenv("FORMSYNC_SYNC_INTERVAL", "1h")

	b := &bridge{}
	require.NoError(t, b.open(t.TempDir(), app.Options{Prober: prober, NoLink: true}))
	t.Cleanup(b.cleanup)
	return b
}

func TestBridge_notInitialized(t *testing.T) {
	b := &bridge{}

	_, err := b.list()
	assert.Error(t, err)
	assert.Contains(t, b.lastError(), "not initialized")
}

func TestBridge_submitOffline(t *testing.T) {
	b := newBridge(t, &stubProber{})

	out, err := b.submit(`{"title":"Broken window","fields":{"unit":"4B"}}`)
	require.NoError(t, err)

	var resp struct {
		Record  models.Record `json:"record"`
		Outcome string        `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "pending_offline", resp.Outcome)
	assert.Equal(t, "4B", resp.Record.Payload.Fields["unit"])

	out, err = b.list()
	require.NoError(t, err)
	assert.Contains(t, out, `"total":1`)
}

func TestBridge_submitInvalid(t *testing.T) {
	b := newBridge(t, &stubProber{})

	_, err := b.submit(`{"title":`)
	assert.Error(t, err)
	assert.NotEmpty(t, b.lastError())

	_, err = b.submit(`{"body":"no title"}`)
	assert.Error(t, err)
}

func TestBridge_syncNowDelivers(t *testing.T) {
	prober := &stubProber{}
	b := newBridge(t, prober)

	_, err := b.submit(`{"title":"a"}`)
	require.NoError(t, err)

	out, err := b.syncNow()
	require.NoError(t, err)
	assert.Contains(t, out, `"skip_reason":"offline"`)

	prober.up.Store(true)
	b.app.Monitor.Probe(context.Background())

	// The reachability change may already have started a background pass.
	require.Eventually(t, func() bool {
		if _, err := b.syncNow(); err != nil {
			return false
		}
		out, err := b.status()
		return err == nil && strings.Contains(out, `"pending":0`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBridge_cleanupAllowsReinit(t *testing.T) {
	b := newBridge(t, &stubProber{})
	dir := b.app.Config.DataDir

	_, err := b.submit(`{"title":"kept"}`)
	require.NoError(t, err)
	b.cleanup()

	_, err = b.list()
	assert.Error(t, err)

	require.NoError(t, b.open(dir, app.Options{Prober: &stubProber{}, NoLink: true}))
	out, err := b.list()
	require.NoError(t, err)
	assert.Contains(t, out, "kept")
}
