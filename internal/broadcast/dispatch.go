package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/runtimes"
	"github.com/loykin/blockvisor/internal/usage"
)

// Kind selects the handler for an inbound channel.
type Kind string

const (
	KindGeneral  Kind = "general"
	KindEntity   Kind = "entity"
	KindRuntimes Kind = "runtimes"
	KindUsage    Kind = "usage"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Handler reacts to one inbound payload. server is set only for KindEntity.
// The returned events are for the caller to publish.
type Handler func(ctx context.Context, reg *manager.Registry, server *manager.ManagedServer, payload []byte) ([]Event, error)

// Sources feeds the read-only channels.
type Sources struct {
	Runtimes    func() []runtimes.Runtime
	SystemUsage func() []usage.ResourceUsage
}

// Dispatcher routes inbound messages through a table of handlers keyed by Kind.
type Dispatcher struct {
	reg      *manager.Registry
	handlers map[Kind]Handler
}

// NewDispatcher builds the default handler table.
func NewDispatcher(reg *manager.Registry, src Sources) *Dispatcher {
	if src.Runtimes == nil {
		src.Runtimes = func() []runtimes.Runtime { return runtimes.Discover() }
	}
	if src.SystemUsage == nil {
		src.SystemUsage = func() []usage.ResourceUsage { return []usage.ResourceUsage{} }
	}
	return &Dispatcher{
		reg: reg,
		handlers: map[Kind]Handler{
			KindGeneral:  handleGeneral,
			KindEntity:   handleEntity,
			KindRuntimes: runtimesHandler(src.Runtimes),
			KindUsage:    usageHandler(src.SystemUsage),
		},
	}
}

// Handle replaces the handler for kind.
func (d *Dispatcher) Handle(kind Kind, h Handler) { d.handlers[kind] = h }

// Resolve maps a channel name to its kind and, for entity channels, its server.
func (d *Dispatcher) Resolve(channel string) (Kind, *manager.ManagedServer, error) {
	switch channel {
	case ChannelGeneral:
		return KindGeneral, nil, nil
	case ChannelRuntimes:
		return KindRuntimes, nil, nil
	case ChannelUsage:
		return KindUsage, nil, nil
	}
	if s, ok := d.reg.GetByChannel(channel); ok {
		return KindEntity, s, nil
	}
	return "", nil, fmt.Errorf("%q: %w", channel, ErrUnknownChannel)
}

// Dispatch runs the handler for channel. A payload sent as a JSON string is
// unwrapped first, so "say hi" and say hi reach the handler alike.
func (d *Dispatcher) Dispatch(ctx context.Context, channel string, payload []byte) ([]Event, error) {
	kind, server, err := d.Resolve(channel)
	if err != nil {
		return nil, err
	}
	h, ok := d.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler for %s channel %q", kind, channel)
	}
	return h(ctx, d.reg, server, unwrapString(payload))
}

func unwrapString(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return payload
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return payload
	}
	return []byte(s)
}

type generalRequest struct {
	Servers []json.RawMessage `json:"servers"`
}

// handleGeneral answers {"servers":[]} with the refreshed server list.
func handleGeneral(_ context.Context, reg *manager.Registry, _ *manager.ManagedServer, payload []byte) ([]Event, error) {
	var req generalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", ChannelGeneral, manager.ErrUnsupportedMessage, err)
	}
	if req.Servers == nil || len(req.Servers) != 0 {
		return nil, fmt.Errorf("%s: %w", ChannelGeneral, manager.ErrUnsupportedMessage)
	}
	for _, s := range reg.List() {
		_ = s.Update() // failures are logged by Update and leave empty properties
	}
	return []Event{{Channel: ChannelServers, Data: reg.Strip()}}, nil
}

func handleEntity(ctx context.Context, _ *manager.Registry, server *manager.ManagedServer, payload []byte) ([]Event, error) {
	if server == nil {
		return nil, manager.ErrUnknownServer
	}
	// transitions emit on the server's own channel
	return nil, server.HandleMessage(ctx, payload)
}

func runtimesHandler(list func() []runtimes.Runtime) Handler {
	return func(context.Context, *manager.Registry, *manager.ManagedServer, []byte) ([]Event, error) {
		rts := list()
		if rts == nil {
			rts = []runtimes.Runtime{}
		}
		return []Event{{Channel: ChannelRuntimes, Data: rts}}, nil
	}
}

func usageHandler(snapshot func() []usage.ResourceUsage) Handler {
	return func(context.Context, *manager.Registry, *manager.ManagedServer, []byte) ([]Event, error) {
		return []Event{{Channel: ChannelUsage, Data: snapshot()}}, nil
	}
}

// ServerChannels returns the per-server channel factory for manager.Options.
func (h *Hub) ServerChannels() func(server string) manager.Channel {
	return func(server string) manager.Channel { return h.Channel(EntityChannel(server)) }
}
