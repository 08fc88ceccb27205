package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/blockvisor/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func fakeDaemon(t *testing.T) (*httptest.Server, func() []map[string]any) {
	t.Helper()
	var (
		mu       sync.Mutex
		messages []map[string]any
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/servers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"lobby","status":"started"}]`))
	})
	mux.HandleFunc("/api/servers/lobby", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"lobby","status":"started","properties":{},"usage":[]}`))
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		messages = append(messages, m)
		mu.Unlock()
		if m["channel"] == "server_ghost" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown channel"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/usage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"time":1700000000000,"cpu":3.5,"memory":123456}]`))
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"v1.2.3","go_version":"go1.24.0"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), messages...)
	}
}

func TestRemoteCommands(t *testing.T) {
	ts, messages := fakeDaemon(t)
	api := "--api-url=" + ts.URL + "/api"

	out, err := run(t, "status", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "lobby"`)

	out, err = run(t, "status", "--name=lobby", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "started"`)

	out, err = run(t, "start", "--name=lobby", api)
	require.NoError(t, err)
	assert.Equal(t, "lobby started\n", out)

	_, err = run(t, "send", "--name=lobby", "--command=say hi", api)
	require.NoError(t, err)

	out, err = run(t, "stop", "--name=lobby", api)
	require.NoError(t, err)
	assert.Equal(t, "lobby stopped\n", out)

	_, err = run(t, "stop", "--name=ghost", api)
	assert.ErrorContains(t, err, "unknown channel")

	sent := messages()
	require.Len(t, sent, 4)
	assert.Equal(t, map[string]any{"command": "say hi"}, sent[1]["data"])

	out, err = run(t, "usage", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"memory": 123456`)

	out, err = run(t, "version", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"daemon"`)
	assert.Contains(t, out, `"v1.2.3"`)
}

func TestVersionWithoutDaemon(t *testing.T) {
	out, err := run(t, "version", "--api-url=http://127.0.0.1:1/api", "--api-timeout=1s")
	require.NoError(t, err)
	assert.Contains(t, out, `"client"`)
	assert.NotContains(t, out, `"daemon"`)
}

func TestOfflineStartWritesSentinel(t *testing.T) {
	t.Setenv(config.ServerPathEnv, "")
	root := t.TempDir()
	dir := filepath.Join(root, "servers", "lobby")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte("autostart=false\n"), 0o644))

	out, err := run(t, "start", "--name=lobby", "--offline", "--root="+root)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "start"))
	fi, err := os.Stat(filepath.Join(dir, "start"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())

	_, err = run(t, "start", "--name=missing", "--offline", "--root="+root)
	assert.ErrorContains(t, err, "not a server directory")

	_, err = run(t, "start", "--name=../lobby", "--offline", "--root="+root)
	assert.ErrorContains(t, err, "invalid server name")
}

func TestAPIURLFromConfig(t *testing.T) {
	cases := []struct {
		listen, base string
		tls          bool
		want         string
	}{
		{":8081", "/api", false, "http://localhost:8081/api"},
		{"0.0.0.0:9000", "/", false, "http://localhost:9000"},
		{"10.0.0.5:8081", "/api/", true, "https://10.0.0.5:8081/api"},
		{"[::]:8081", "/api", false, "http://localhost:8081/api"},
		{"bogus", "/api", false, "http://localhost:8081/api"},
	}
	for _, c := range cases {
		cfg := &config.Config{}
		cfg.Server.Listen = c.listen
		cfg.Server.BasePath = c.base
		cfg.Server.TLS.Enabled = c.tls
		assert.Equal(t, c.want, apiURLFromConfig(cfg), c.listen)
	}
}
