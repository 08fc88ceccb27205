package broadcast

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/runtimes"
	"github.com/loykin/blockvisor/internal/usage"
)

func newRegistry(t *testing.T, h *Hub, servers map[string]string) *manager.Registry {
	t.Helper()
	base := t.TempDir()
	for name, props := range servers {
		dir := filepath.Join(base, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte(props), 0o644))
	}
	reg, err := manager.Discover(base, manager.Options{NewChannel: h.ServerChannels()})
	require.NoError(t, err)
	for _, s := range reg.List() {
		require.NoError(t, s.Update())
		s := s
		t.Cleanup(func() { _ = s.StopSettled(context.Background()) })
	}
	return reg
}

func TestResolve(t *testing.T) {
	h := NewHub(8, nil)
	reg := newRegistry(t, h, map[string]string{"my world": "command=sleep 30\n"})
	d := NewDispatcher(reg, Sources{})

	cases := map[string]Kind{
		ChannelGeneral:      KindGeneral,
		ChannelRuntimes:     KindRuntimes,
		ChannelUsage:        KindUsage,
		"server_my%20world": KindEntity,
	}
	for channel, want := range cases {
		kind, server, err := d.Resolve(channel)
		require.NoError(t, err, channel)
		assert.Equal(t, want, kind, channel)
		assert.Equal(t, want == KindEntity, server != nil, channel)
	}

	_, _, err := d.Resolve("server_my world")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	_, err = d.Dispatch(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestGeneralRefreshesServerList(t *testing.T) {
	h := NewHub(8, nil)
	reg := newRegistry(t, h, map[string]string{"a": "command=sleep 30\n", "b": "command=sleep 30\n"})
	d := NewDispatcher(reg, Sources{})

	events, err := d.Dispatch(context.Background(), ChannelGeneral, []byte(`{"servers":[]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ChannelServers, events[0].Channel)
	assert.Equal(t, []manager.Summary{
		{Name: "a", Status: manager.StatusStopped},
		{Name: "b", Status: manager.StatusStopped},
	}, events[0].Data)

	// the payload may arrive as a JSON encoded string
	events, err = d.Dispatch(context.Background(), ChannelGeneral, []byte(`"{\"servers\":[]}"`))
	require.NoError(t, err)
	assert.Len(t, events, 1)

	for _, bad := range []string{`{"servers":["a"]}`, `{}`, `nonsense`} {
		_, err := d.Dispatch(context.Background(), ChannelGeneral, []byte(bad))
		assert.ErrorIs(t, err, manager.ErrUnsupportedMessage, bad)
	}
}

func TestEntityDispatchEmitsOnServerChannel(t *testing.T) {
	h := NewHub(16, nil)
	reg := newRegistry(t, h, map[string]string{"lobby": "command=sleep 30\n"})
	d := NewDispatcher(reg, Sources{})
	sub, err := h.Subscribe(EntityChannel("lobby"))
	require.NoError(t, err)

	events, err := d.Dispatch(context.Background(), "server_lobby", []byte(`{"status":"starting"}`))
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.Equal(t, manager.StatusStarting, recv(t, sub).Data.(manager.Data).Status)
	assert.Equal(t, manager.StatusStarted, recv(t, sub).Data.(manager.Data).Status)

	_, err = d.Dispatch(context.Background(), "server_lobby", []byte(`"{\"status\":\"stopping\"}"`))
	require.NoError(t, err)
	assert.Equal(t, manager.StatusStopping, recv(t, sub).Data.(manager.Data).Status)
	assert.Equal(t, manager.StatusStopped, recv(t, sub).Data.(manager.Data).Status)

	_, err = d.Dispatch(context.Background(), "server_lobby", []byte(`"say hi"`))
	assert.ErrorIs(t, err, manager.ErrNotRunning)
}

func TestReadOnlyChannels(t *testing.T) {
	h := NewHub(8, nil)
	reg := newRegistry(t, h, nil)
	hist := usage.NewHistory(0)
	hist.Append(usage.ResourceUsage{Time: 1, CPU: 2, Memory: 3})
	d := NewDispatcher(reg, Sources{
		Runtimes:    func() []runtimes.Runtime { return nil },
		SystemUsage: hist.Snapshot,
	})

	events, err := d.Dispatch(context.Background(), ChannelRuntimes, nil)
	require.NoError(t, err)
	assert.Equal(t, []Event{{Channel: ChannelRuntimes, Data: []runtimes.Runtime{}}}, events)

	events, err = d.Dispatch(context.Background(), ChannelUsage, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Channel: ChannelUsage, Data: []usage.ResourceUsage{{Time: 1, CPU: 2, Memory: 3}}}}, events)
}

func TestHandlerOverride(t *testing.T) {
	h := NewHub(8, nil)
	d := NewDispatcher(newRegistry(t, h, nil), Sources{})
	d.Handle(KindUsage, func(context.Context, *manager.Registry, *manager.ManagedServer, []byte) ([]Event, error) {
		return []Event{{Channel: ChannelUsage, Data: "custom"}}, nil
	})
	events, err := d.Dispatch(context.Background(), ChannelUsage, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", events[0].Data)
}
