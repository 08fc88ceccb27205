package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL + "/api"})
}

func TestServers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/servers", r.URL.Path)
		_, _ = w.Write([]byte(`[{"name":"lobby","status":"started"},{"name":"survival","status":"stopped"}]`))
	})
	got, err := c.Servers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ServerSummary{{Name: "lobby", Status: "started"}, {Name: "survival", Status: "stopped"}}, got)
}

func TestServerEscapesName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/servers/my%20world", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"name":"my world","status":"stopped","properties":{"motd":"hi"},"usage":[{"time":1700000000000,"cpu":3.5,"memory":123456}]}`))
	})
	got, err := c.Server(context.Background(), "my world")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Properties["motd"])
	assert.Equal(t, []ResourceUsage{{Time: 1700000000000, CPU: 3.5, Memory: 123456}}, got.Usage)
}

func TestStartStopCommandPostMessages(t *testing.T) {
	var got []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var m map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		got = append(got, m)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "lobby"))
	require.NoError(t, c.Command(ctx, "lobby", "say hi"))
	require.NoError(t, c.Stop(ctx, "lobby"))
	require.NoError(t, c.Refresh(ctx))

	require.Len(t, got, 4)
	assert.Equal(t, "server_lobby", got[0]["channel"])
	assert.Equal(t, map[string]any{"status": "starting"}, got[0]["data"])
	assert.Equal(t, map[string]any{"command": "say hi"}, got[1]["data"])
	assert.Equal(t, map[string]any{"status": "stopping"}, got[2]["data"])
	assert.Equal(t, "SEND_MESSAGE", got[3]["channel"])
	assert.Equal(t, map[string]any{"servers": []any{}}, got[3]["data"])
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"start lobby: already running"}`))
	})
	err := c.Start(context.Background(), "lobby")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "already running")
}

func TestAPIErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Usage(context.Background())
	assert.EqualError(t, err, "HTTP 502")
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"v1.0.0","go_version":"go1.24.0"}`))
	})
	assert.True(t, c.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestEntityChannel(t *testing.T) {
	assert.Equal(t, "server_lobby", EntityChannel("lobby"))
	assert.Equal(t, "server_my%20world", EntityChannel("my world"))
	assert.Equal(t, "server_Tom's%20world", EntityChannel("Tom's world"))
	assert.Equal(t, "server_a%2Bb", EntityChannel("a+b"))
	assert.Equal(t, "server_k%3Dv%26z", EntityChannel("k=v&z"))
	assert.Equal(t, "server_(hard)!*~-_.", EntityChannel("(hard)!*~-_."))
	assert.Equal(t, "server_%3A%40%24%2C%3B", EntityChannel(":@$,;"))
	assert.Equal(t, "server_caf%C3%A9", EntityChannel("café"))
}
