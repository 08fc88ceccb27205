package blockvisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/blockvisor/internal/config"
	"github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/trigger"
)

func newDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv(config.ServerPathEnv, "")

	root := t.TempDir()
	dir := filepath.Join(root, "worlds", "lobby")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte("command=sleep 30\nstop-timeout=5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("SERVER_PATH=worlds\n"), 0o644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Sampling.Interval = time.Hour
	cfg.Metrics.Enabled = false

	d, err := New(Options{
		Config: cfg,
		Root:   root,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return d, dir
}

func TestDaemonResolvesServersFromDotenv(t *testing.T) {
	d, dir := newDaemon(t)
	base, src := d.BasePath()
	assert.Equal(t, filepath.Dir(dir), base)
	assert.Equal(t, config.SourceDotenv, src)
	assert.Equal(t, 1, d.Registry().Len())
}

func TestDaemonLifecycle(t *testing.T) {
	d, dir := newDaemon(t)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"name":"lobby","status":"stopped"}]`, rec.Body.String())

	sub, err := d.Subscribe("server_lobby")
	require.NoError(t, err)

	// remote start through the sentinel file
	require.NoError(t, os.WriteFile(trigger.SentinelPath(dir), nil, 0o644))
	lobby, err := d.Registry().Get("lobby")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lobby.Status() == manager.StatusStarted }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(trigger.SentinelPath(dir))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, manager.StatusStopped, lobby.Status())

	var seen []manager.Status
	for e := range sub.C() {
		seen = append(seen, e.Data.(manager.Data).Status)
	}
	assert.Contains(t, seen, manager.StatusStarted)
	assert.Equal(t, manager.StatusStopped, seen[len(seen)-1])
}

func TestDaemonRejectsMissingServerDir(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Servers.Dir = filepath.Join(t.TempDir(), "missing")
	_, err = New(Options{Config: cfg, Root: t.TempDir(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.Error(t, err)
}

func TestServerDataJSON(t *testing.T) {
	d, _ := newDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers/lobby", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var data ServerData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Equal(t, "5", data.Properties["stop-timeout"])
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDaemonStartFailsWhenAddressIsTaken(t *testing.T) {
	d, dir := newDaemon(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte("autostart=true\ncommand=sleep 30\n"), 0o644))

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })
	d.cfg.Server.Listen = taken.Addr().String()

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")

	lobby, err := d.Registry().Get("lobby")
	require.NoError(t, err)
	assert.Equal(t, manager.StatusStopped, lobby.Status(), "nothing boots without an API")
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDaemonServesOnBoundAddress(t *testing.T) {
	d, _ := newDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + d.Addr() + "/api/servers")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
