// Package main tests for command wiring, the local API router and the
// websocket event stream, run against the in-memory dev remote.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesafe/fieldsync/internal/config"
	"github.com/sitesafe/fieldsync/internal/devremote"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
	syncpkg "github.com/sitesafe/fieldsync/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

func TestMain(m *testing.M) {
	logging.Init(os.Stderr, logging.LevelError)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newDevRemote(t *testing.T) (*devremote.Server, *httptest.Server) {
	t.Helper()
	dev := devremote.New()
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)
	return dev, srv
}

func newTestApp(t *testing.T, apiBase string) *app {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Remote.APIBase = apiBase
	cfg.Remote.FastPathTimeout = config.Dur(2 * time.Second)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

type apiClient struct {
	t    *testing.T
	base string
}

func (c *apiClient) call(method, path string, body interface{}) (int, map[string]interface{}) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// =====================================================
// Local API
// =====================================================

// TestRouter_offlineFirstFlow verifies a write through the local API is
// queued, pushed by /sync/now, and visible under its server id.
func TestRouter_offlineFirstFlow(t *testing.T) {
	dev, remoteSrv := newDevRemote(t)
	a := newTestApp(t, remoteSrv.URL)
	require.True(t, a.checkOnline(context.Background()))

	hub := NewWSHub()
	defer hub.Close()
	ts := httptest.NewServer(newRouter(a.service, a.client, hub))
	defer ts.Close()
	api := &apiClient{t: t, base: ts.URL}

	code, body := api.call(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = api.call(http.MethodPost, "/local/inspections", map[string]any{
		"siteId": "site-7",
		"status": "open",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["saved"])

	code, body = api.call(http.MethodGet, "/sync/queue", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["pending"])

	code, body = api.call(http.MethodPost, "/sync/now", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["synced"])

	server := dev.Records(models.EntityInspection)
	require.Len(t, server, 1, "fast path and queued create collapse to one row")

	code, body = api.call(http.MethodGet, "/local/inspections/"+server[0].ID, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "site-7", body["siteId"])

	code, body = api.call(http.MethodGet, "/sync/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["pending"])
	assert.NotEmpty(t, body["lastSyncTime"])

	code, body = api.call(http.MethodGet, "/sync/remote-status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["health"])

	code, _ = api.call(http.MethodGet, "/local/widgets", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouter_clearQueueNeedsConfirm(t *testing.T) {
	dev, remoteSrv := newDevRemote(t)
	a := newTestApp(t, remoteSrv.URL)

	hub := NewWSHub()
	defer hub.Close()
	ts := httptest.NewServer(newRouter(a.service, a.client, hub))
	defer ts.Close()
	api := &apiClient{t: t, base: ts.URL}

	code, _ := api.call(http.MethodPost, "/local/reminders", map[string]any{"text": "check harness"})
	require.Equal(t, http.StatusCreated, code)

	code, body := api.call(http.MethodDelete, "/sync/queue", nil)
	assert.Equal(t, http.StatusPreconditionRequired, code)
	assert.Equal(t, "CONFIRMATION_REQUIRED", body["code"])

	code, _ = api.call(http.MethodDelete, "/sync/queue?confirm=true", nil)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Zero(t, a.service.PendingCount())
	assert.Zero(t, dev.PushCount())
}

func TestRouter_metrics(t *testing.T) {
	_, remoteSrv := newDevRemote(t)
	a := newTestApp(t, remoteSrv.URL)
	hub := NewWSHub()
	defer hub.Close()

	h := newRouter(a.service, a.client, hub)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync/status", nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fieldsync_http_requests_total")
}

// =====================================================
// WebSocket
// =====================================================

// TestWebSocket_forwardsSubscribedEvents verifies a client only receives the
// event types it subscribed to.
func TestWebSocket_forwardsSubscribedEvents(t *testing.T) {
	_, remoteSrv := newDevRemote(t)
	a := newTestApp(t, remoteSrv.URL)

	hub := NewWSHub()
	defer hub.Close()
	events, unsubscribe := a.service.Subscribe()
	defer unsubscribe()
	go hub.Forward(events)

	ts := httptest.NewServer(newRouter(a.service, a.client, hub))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"events": []string{string(syncpkg.SyncEventQueueClear)},
	}))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	ctx := context.Background()
	_, err = a.service.Create(ctx, models.EntityReminder, map[string]any{"text": "toolbox talk at 7"})
	require.NoError(t, err)
	// Not subscribed, so never delivered.
	a.service.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventOnline, Message: "Back online"})
	require.NoError(t, a.service.ClearQueue(ctx, true))

	var envelope struct {
		Type string            `json:"type"`
		Data syncpkg.SyncEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, string(syncpkg.SyncEventQueueClear), envelope.Type)
	assert.Equal(t, 1, envelope.Data.Count)
}

func TestSameHostOrigin(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost:8787": true,
		"127.0.0.1:8787": true,
		"[::1]:8787":     true,
		"example.com":    false,
		"10.0.0.5:8787":  false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		assert.Equal(t, want, sameHostOrigin(r), host)
	}
}

// =====================================================
// Commands
// =====================================================

func TestCommands_configAndMigrate(t *testing.T) {
	dir := t.TempDir()

	out, err := runCmd(t, "--data-dir", dir, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration initialized at "+filepath.Join(dir, config.FileName))

	_, err = runCmd(t, "--data-dir", dir, "config", "init")
	assert.Error(t, err, "init refuses to overwrite")

	out, err = runCmd(t, "--data-dir", dir, "migrate", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "current 0")

	out, err = runCmd(t, "--data-dir", dir, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema at version")

	out, err = runCmd(t, "--data-dir", dir, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[remote]")
}

// TestCommands_queueAndSync verifies the queue commands and a one-shot sync
// against the dev remote.
func TestCommands_queueAndSync(t *testing.T) {
	dev, remoteSrv := newDevRemote(t)
	t.Setenv(config.EnvAPIBase, remoteSrv.URL)
	dir := t.TempDir()

	// Seed one queued change through the service.
	cfg := config.NewConfig(dir)
	cfg.Remote.APIBase = remoteSrv.URL
	cfg.Remote.FastPathTimeout = config.Dur(0)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	_, err = a.service.Create(context.Background(), models.EntityIncident, map[string]any{"severity": 1})
	require.NoError(t, err)
	a.Close()

	out, err := runCmd(t, "--data-dir", dir, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Incident")
	assert.Contains(t, out, "pending")

	out, err = runCmd(t, "--data-dir", dir, "queue", "clear")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	out, err = runCmd(t, "--data-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending": 1`)

	out, err = runCmd(t, "--data-dir", dir, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 1, failed 0")
	assert.Len(t, dev.Records(models.EntityIncident), 1)

	out, err = runCmd(t, "--data-dir", dir, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to sync")

	out, err = runCmd(t, "--data-dir", dir, "queue", "retry")
	require.NoError(t, err)
	assert.Contains(t, out, "0 changes will be retried")
}
