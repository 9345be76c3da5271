package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/consumer"
	"github.com/maxpert/sqlwatch/store"
	"github.com/maxpert/sqlwatch/watch"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	mu        sync.Mutex
	state     watch.State
	count     int64
	startErr  error
	started   []bool
	stopCalls int
}

func (f *fakeWatcher) Start(ctx context.Context, register bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, register)
	f.state = watch.Fetching
	return nil
}

func (f *fakeWatcher) RequestStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}

func (f *fakeWatcher) State() watch.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeWatcher) IsWaiting() bool               { return f.State() == watch.AwaitingNotification }
func (f *fakeWatcher) ChangeCount() int64            { return f.count }
func (f *fakeWatcher) ReceiveTimeout() time.Duration { return 150 * time.Second }

func (f *fakeWatcher) snapshot() ([]bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.started...), f.stopCalls
}

type fakeStats struct {
	registrations, queued int
	err                   error
}

func (f fakeStats) Stats(context.Context) (int, int, error) {
	return f.registrations, f.queued, f.err
}

func newTestServer(t *testing.T, w *fakeWatcher, c *consumer.Console, stats StoreStats) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(w, c, stats))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestStatus(t *testing.T) {
	c := consumer.NewConsole(true)
	c.OnError("receive timed out", "queue")
	w := &fakeWatcher{state: watch.AwaitingNotification, count: 4}
	srv := newTestServer(t, w, c, nil)

	status, body := do(t, http.MethodGet, srv.URL+"/admin/watch/status", nil)
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	require.Equal(t, "awaiting_notification", data["state"])
	require.Equal(t, true, data["waiting"])
	require.Equal(t, float64(4), data["change_count"])
	require.Equal(t, float64(150000), data["receive_timeout_ms"])
	require.Equal(t, "queue", data["last_error"].(map[string]interface{})["source"])
}

func TestRows(t *testing.T) {
	c := consumer.NewConsole(true)
	srv := newTestServer(t, &fakeWatcher{}, c, nil)

	status, _ := do(t, http.MethodGet, srv.URL+"/admin/watch/rows", nil)
	require.Equal(t, http.StatusNotFound, status)

	c.OnRowsRefreshed(&store.RowSet{
		Label:   "orders",
		Columns: []store.Column{{Name: "id", Type: "INTEGER"}},
		Rows:    []store.Row{{int64(1)}},
	})

	status, body := do(t, http.MethodGet, srv.URL+"/admin/watch/rows", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	require.Equal(t, "orders", data["label"])
	require.Len(t, data["rows"], 1)
}

func TestStart(t *testing.T) {
	c := consumer.NewConsole(true)
	w := &fakeWatcher{}
	srv := newTestServer(t, w, c, nil)

	status, _ := do(t, http.MethodPost, srv.URL+"/admin/watch/start?register=false", nil)
	require.Equal(t, http.StatusAccepted, status)
	started, _ := w.snapshot()
	require.Equal(t, []bool{false}, started)
	require.False(t, c.ShouldReRegister())

	status, _ = do(t, http.MethodPost, srv.URL+"/admin/watch/start?register=maybe", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestStart_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{watch.ErrNotIdle, http.StatusConflict},
		{watch.ErrStopped, http.StatusGone},
		{errors.New("dispatcher busy"), http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		srv := newTestServer(t, &fakeWatcher{startErr: tc.err}, consumer.NewConsole(true), nil)
		status, body := do(t, http.MethodPost, srv.URL+"/admin/watch/start", nil)
		require.Equal(t, tc.status, status)
		require.Equal(t, tc.err.Error(), body["error"])
	}
}

func TestStop(t *testing.T) {
	c := consumer.NewConsole(true)
	w := &fakeWatcher{state: watch.AwaitingNotification}
	srv := newTestServer(t, w, c, nil)

	status, _ := do(t, http.MethodPost, srv.URL+"/admin/watch/stop", nil)
	require.Equal(t, http.StatusAccepted, status)
	_, stops := w.snapshot()
	require.Equal(t, 1, stops)
	require.True(t, c.ExitRequested())
}

func TestRegisterToggle(t *testing.T) {
	c := consumer.NewConsole(true)
	srv := newTestServer(t, &fakeWatcher{}, c, nil)

	status, _ := do(t, http.MethodPut, srv.URL+"/admin/watch/register?enabled=false", nil)
	require.Equal(t, http.StatusOK, status)
	require.False(t, c.ShouldReRegister())

	status, _ = do(t, http.MethodPut, srv.URL+"/admin/watch/register", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestStoreStats(t *testing.T) {
	srv := newTestServer(t, &fakeWatcher{}, consumer.NewConsole(true), fakeStats{registrations: 2, queued: 5})
	status, body := do(t, http.MethodGet, srv.URL+"/admin/store/stats", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	require.Equal(t, float64(2), data["registrations"])
	require.Equal(t, float64(5), data["queued"])

	srv = newTestServer(t, &fakeWatcher{}, consumer.NewConsole(true), nil)
	status, _ = do(t, http.MethodGet, srv.URL+"/admin/store/stats", nil)
	require.Equal(t, http.StatusNotImplemented, status)

	srv = newTestServer(t, &fakeWatcher{}, consumer.NewConsole(true), fakeStats{err: errors.New("closed")})
	status, _ = do(t, http.MethodGet, srv.URL+"/admin/store/stats", nil)
	require.Equal(t, http.StatusInternalServerError, status)
}

func TestAuthMiddleware(t *testing.T) {
	prev := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = "s3cret"
	// Registered before the server's cleanup so it runs after the server closes
	t.Cleanup(func() { cfg.Config.Admin.Secret = prev })

	srv := newTestServer(t, &fakeWatcher{}, consumer.NewConsole(true), nil)
	url := srv.URL + "/admin/watch/status"

	status, _ := do(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, url, http.Header{"Authorization": {"Basic abc"}})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, url, http.Header{"X-Sqlwatch-Secret": {"wrong"}})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, url, http.Header{"X-Sqlwatch-Secret": {"s3cret"}})
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, url, http.Header{"Authorization": {"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, status)
}
