package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/formsync/internal/config"
	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/models"
	syncpkg "github.com/kimhsiao/formsync/internal/sync"
	"github.com/kimhsiao/formsync/internal/sync/remote"
)

// switchProber reports reachability from a flag.
type switchProber struct{ up atomic.Bool }

func (p *switchProber) Probe(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("no route to host")
}

// endpoint is a fake remote that records posted titles.
type endpoint struct {
	mu     sync.Mutex
	titles []string
	keys   []string
	fail   atomic.Bool
	srv    *httptest.Server
}

func newEndpoint(t *testing.T) *endpoint {
	e := &endpoint{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Title string `json:"title"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		e.mu.Lock()
		e.titles = append(e.titles, body.Title)
		e.keys = append(e.keys, r.Header.Get(remote.IdempotencyHeader))
		e.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":101}`))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.titles...)
}

func testConfig(t *testing.T, endpointURL string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.Endpoint = endpointURL
	cfg.Remote.SendTimeout = 2 * time.Second
	cfg.Connectivity.SlowInterval = time.Hour
	cfg.Connectivity.FastInterval = time.Hour
	cfg.Sync.Interval = time.Hour
	return cfg
}

func openApp(t *testing.T, cfg *config.Config, prober *switchProber) *App {
	t.Helper()
	a, err := Open(cfg, Options{Prober: prober, NoLink: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func form(title string) *models.Record {
	return models.NewRecord(models.Payload{Title: title, Body: "details"})
}

// TestOfflineCaptureThenDelivery walks a record from offline capture to
// delivery after connectivity returns.
func TestOfflineCaptureThenDelivery(t *testing.T) {
	ep := newEndpoint(t)
	prober := &switchProber{}
	a := openApp(t, testConfig(t, ep.srv.URL), prober)
	ctx := context.Background()

	a.Start(ctx)

	outcome, err := a.Engine.Submit(ctx, form("broken window"))
	require.NoError(t, err)
	assert.Equal(t, syncpkg.OutcomePendingOffline, outcome)
	assert.Empty(t, ep.received())

	prober.up.Store(true)
	require.Eventually(t, func() bool {
		a.Monitor.Probe(ctx)
		return a.Monitor.IsOnline()
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(ep.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := a.Engine.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"broken window"}, ep.received())
}

func TestOnlineSubmitIsSynced(t *testing.T) {
	ep := newEndpoint(t)
	prober := &switchProber{}
	prober.up.Store(true)
	a := openApp(t, testConfig(t, ep.srv.URL), prober)
	ctx := context.Background()
	a.Monitor.Probe(ctx)

	rec := form("leaking pipe")
	outcome, err := a.Engine.Submit(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.OutcomeSynced, outcome)

	ep.mu.Lock()
	assert.Equal(t, []string{rec.ID.String()}, ep.keys)
	ep.mu.Unlock()
}

func TestServerErrorLeavesRecordPending(t *testing.T) {
	ep := newEndpoint(t)
	ep.fail.Store(true)
	prober := &switchProber{}
	prober.up.Store(true)
	a := openApp(t, testConfig(t, ep.srv.URL), prober)
	ctx := context.Background()
	a.Monitor.Probe(ctx)

	outcome, err := a.Engine.Submit(ctx, form("a"))
	require.NoError(t, err)
	assert.Equal(t, syncpkg.OutcomePendingError, outcome)

	msg, ok := a.Engine.LastSyncError()
	assert.True(t, ok)
	assert.Equal(t, syncpkg.PartialFailureMessage, msg)

	ep.fail.Store(false)
	res := a.Scheduler.SyncNow(ctx)
	assert.Equal(t, 1, res.Synced)
	_, ok = a.Engine.LastSyncError()
	assert.False(t, ok)
}

// TestRestartResumesDelivery verifies records captured before a restart are
// delivered by the next process, in capture order.
func TestRestartResumesDelivery(t *testing.T) {
	ep := newEndpoint(t)
	cfg := testConfig(t, ep.srv.URL)
	ctx := context.Background()

	first, err := Open(cfg, Options{Prober: &switchProber{}, NoLink: true})
	require.NoError(t, err)
	for _, title := range []string{"one", "two", "three"} {
		_, err := first.Engine.Submit(ctx, form(title))
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	prober := &switchProber{}
	prober.up.Store(true)
	second := openApp(t, cfg, prober)
	second.Start(ctx)

	require.Eventually(t, func() bool { return len(ep.received()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, ep.received())
}

func TestAttachmentsStayLocal(t *testing.T) {
	ep := newEndpoint(t)
	a := openApp(t, testConfig(t, ep.srv.URL), &switchProber{})
	ctx := context.Background()

	photo := []byte("\xff\xd8\xff jpeg")
	rec := models.NewRecord(models.Payload{
		Title:       "with photo",
		Attachments: []models.Attachment{{Name: "p.jpg", ContentType: "image/jpeg", Data: photo}},
	})
	_, err := a.Engine.Submit(ctx, rec)
	require.NoError(t, err)

	got, err := a.Engine.Get(ctx, rec.ID.String())
	require.NoError(t, err)
	require.Len(t, got.Payload.Attachments, 1)

	data, err := a.Attachment(got.Payload.Attachments[0].Hash)
	require.NoError(t, err)
	assert.Equal(t, photo, data)
}

func TestOpen_invalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.Kind = "carrier-pigeon"

	_, err := Open(cfg, Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestNewRemote(t *testing.T) {
	rc, err := NewRemote(config.RemoteConfig{Kind: config.RemoteHTTP, Endpoint: "http://localhost/posts"})
	require.NoError(t, err)
	assert.IsType(t, &remote.HTTPClient{}, rc)

	rc, err = NewRemote(config.RemoteConfig{
		Kind:        config.RemoteObjectStore,
		ObjectStore: config.ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "forms"},
	})
	require.NoError(t, err)
	assert.IsType(t, &remote.ObjectStoreClient{}, rc)

	_, err = NewRemote(config.RemoteConfig{Kind: config.RemoteObjectStore})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
