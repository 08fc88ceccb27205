package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/blockvisor/internal/broadcast"
	mng "github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/metrics"
	"github.com/loykin/blockvisor/internal/process"
	"github.com/loykin/blockvisor/internal/runtimes"
	"github.com/loykin/blockvisor/internal/usage"
)

type fixture struct {
	reg *mng.Registry
	hub *broadcast.Hub
	h   http.Handler
}

func setupRouter(t *testing.T, opts Options) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	base := t.TempDir()
	dir := filepath.Join(base, "lobby")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte("command=sleep 30\nmotd=hello\n"), 0o644))

	hub := broadcast.NewHub(16, nil)
	reg, err := mng.Discover(base, mng.Options{
		Defaults:   process.Defaults{StopTimeout: 5 * time.Second},
		NewChannel: hub.ServerChannels(),
	})
	require.NoError(t, err)
	for _, s := range reg.List() {
		require.NoError(t, s.Update())
		t.Cleanup(func() { _ = s.StopSettled(context.Background()) })
	}
	disp := broadcast.NewDispatcher(reg, broadcast.Sources{
		Runtimes: func() []runtimes.Runtime {
			return []runtimes.Runtime{{Name: "temurin-21", Home: "/opt/jdk-21", Version: "21.0.2", Source: runtimes.SourceDir}}
		},
		SystemUsage: func() []usage.ResourceUsage {
			return []usage.ResourceUsage{{Time: 1700000000000, CPU: 3.5, Memory: 123456}}
		},
	})
	if opts.BasePath == "" {
		opts.BasePath = "/api"
	}
	return &fixture{reg: reg, hub: hub, h: NewRouter(reg, hub, disp, opts).Handler()}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServersList(t *testing.T) {
	f := setupRouter(t, Options{})
	rec := doReq(t, f.h, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"name":"lobby","status":"stopped"}]`, rec.Body.String())
}

func TestServerData(t *testing.T) {
	f := setupRouter(t, Options{})
	rec := doReq(t, f.h, http.MethodGet, "/api/servers/lobby", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var d mng.Data
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "lobby", d.Name)
	assert.Equal(t, mng.StatusStopped, d.Status)
	assert.Equal(t, "hello", d.Properties["motd"])

	rec = doReq(t, f.h, http.MethodGet, "/api/servers/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadOnlyEndpoints(t *testing.T) {
	f := setupRouter(t, Options{})

	rec := doReq(t, f.h, http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"time":1700000000000,"cpu":3.5,"memory":123456}]`, rec.Body.String())

	rec = doReq(t, f.h, http.MethodGet, "/api/runtimes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"temurin-21"`)

	rec = doReq(t, f.h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"go_version"`)

	rec = doReq(t, f.h, http.MethodGet, "/api/dependencies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deps []map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deps))
}

func TestMessageValidation(t *testing.T) {
	f := setupRouter(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"data": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "server_nope", "data": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "SEND_MESSAGE", "data": map[string]any{"servers": []string{"x"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGeneralMessagePublishesServerList(t *testing.T) {
	f := setupRouter(t, Options{})
	sub, err := f.hub.Subscribe(broadcast.ChannelServers)
	require.NoError(t, err)
	defer sub.Close()

	rec := doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "SEND_MESSAGE", "data": map[string]any{"servers": []string{}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case e := <-sub.C():
		assert.Equal(t, broadcast.ChannelServers, e.Channel)
		assert.Equal(t, []mng.Summary{{Name: "lobby", Status: mng.StatusStopped}}, e.Data)
	case <-time.After(time.Second):
		t.Fatal("no server list published")
	}
}

func TestEntityMessageDrivesLifecycle(t *testing.T) {
	f := setupRouter(t, Options{})
	srv, err := f.reg.Get("lobby")
	require.NoError(t, err)

	rec := doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "server_lobby", "data": "list"})
	assert.Equal(t, http.StatusConflict, rec.Code, "console command on a stopped server")

	rec = doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "server_lobby", "data": map[string]any{"status": "starting"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, mng.StatusStarted, srv.Status())

	rec = doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "server_lobby", "data": map[string]any{"status": "starting"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/messages", map[string]any{"channel": "server_lobby", "data": map[string]any{"status": "stopping"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, mng.StatusStopped, srv.Status())
}

func TestMetricsEndpoint(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	f := setupRouter(t, Options{Metrics: true})
	rec := doReq(t, f.h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	f = setupRouter(t, Options{})
	rec = doReq(t, f.h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaticFallback(t *testing.T) {
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(static, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(static, "assets", "app.js"), []byte("console.log(1)"), 0o644))
	f := setupRouter(t, Options{StaticDir: static})

	rec := doReq(t, f.h, http.MethodGet, "/assets/app.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())

	rec = doReq(t, f.h, http.MethodGet, "/servers/lobby/console", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app")

	rec = doReq(t, f.h, http.MethodGet, "/api/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestEventStream(t *testing.T) {
	f := setupRouter(t, Options{})
	ts := httptest.NewServer(f.h)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = f.hub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?channel=server_lobby", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	event, data := readEvent(t, r)
	assert.Equal(t, "server_lobby", event)
	assert.Contains(t, data, `"status":"stopped"`)

	require.Eventually(t, func() bool { return f.hub.Subscribers("server_lobby") == 1 }, time.Second, 5*time.Millisecond)
	srv, _ := f.reg.Get("lobby")
	srv.SendServerData()
	event, data = readEvent(t, r)
	assert.Equal(t, "server_lobby", event)
	assert.Contains(t, data, `"name":"lobby"`)
}

func TestEventStreamUnknownChannel(t *testing.T) {
	f := setupRouter(t, Options{})
	rec := doReq(t, f.h, http.MethodGet, "/api/events?channel=server_nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&mng.OperationConflictError{Name: "x", Op: "start"}))
	assert.Equal(t, http.StatusBadGateway, statusFor(&mng.SpawnError{Name: "x", Err: io.EOF}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("start x: %w", mng.ErrShuttingDown)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
