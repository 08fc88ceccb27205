package broadcast

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/loykin/blockvisor/internal/metrics"
)

// Outbound channel names.
const (
	ChannelServers  = "MESSAGE"
	ChannelRuntimes = "JAVA_RUNTIMES"
	ChannelUsage    = "SYSTEM_USAGE"

	// ChannelGeneral receives the server list refresh request.
	ChannelGeneral = "SEND_MESSAGE"

	// AllChannels subscribes to every channel.
	AllChannels = "*"

	entityPrefix = "server_"
)

const DefaultBuffer = 64

var ErrHubClosed = errors.New("broadcast hub closed")

// EntityChannel returns the channel name of a server, escaped like
// encodeURIComponent.
func EntityChannel(server string) string { return entityPrefix + escapeComponent(server) }

var componentUnescaper = strings.NewReplacer("+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")

// escapeComponent keeps A-Z a-z 0-9 and - _ . ! ~ * ' ( ) and percent-encodes
// every other byte of the UTF-8 name.
func escapeComponent(s string) string { return componentUnescaper.Replace(url.QueryEscape(s)) }

// Event is one message on a channel.
type Event struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Hub fans events out to subscribers by channel name. Publishing never
// blocks: a subscriber whose buffer is full is disconnected and has to
// subscribe again to resynchronize.
type Hub struct {
	buffer int
	log    *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, lg *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Hub{buffer: buffer, log: lg, subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription receives the events of one channel, or of all of them.
type Subscription struct {
	hub     *Hub
	channel string
	ch      chan Event
	once    sync.Once
}

// C yields events until the subscription is closed, dropped or the hub shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Channel() string { return s.channel }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.remove(s, false) }

// Subscribe registers interest in channel; AllChannels or "" receives everything.
func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	if channel == "" {
		channel = AllChannels
	}
	s := &Subscription{hub: h, channel: channel, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	set := h.subs[channel]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
	metrics.SetSubscribers(channel, len(set))
	return s, nil
}

// Publish delivers e to the subscribers of its channel and to catch-all subscribers.
func (h *Hub) Publish(e Event) {
	var slow []*Subscription
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, key := range []string{e.Channel, AllChannels} {
		for s := range h.subs[key] {
			select {
			case s.ch <- e:
			default:
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.Warn("dropping slow subscriber", slog.String("channel", s.channel))
		h.remove(s, true)
	}
}

// Emit publishes events in order.
func (h *Hub) Emit(events ...Event) {
	for _, e := range events {
		h.Publish(e)
	}
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Channel returns the typed handle for name.
func (h *Hub) Channel(name string) *Channel { return &Channel{hub: h, name: name} }

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for channel, set := range subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		metrics.SetSubscribers(channel, 0)
	}
	return nil
}

func (h *Hub) remove(s *Subscription, dropped bool) {
	h.mu.Lock()
	set := h.subs[s.channel]
	_, present := set[s]
	if present {
		delete(set, s)
		metrics.SetSubscribers(s.channel, len(set))
		if len(set) == 0 {
			delete(h.subs, s.channel)
		}
	}
	h.mu.Unlock()
	if present && dropped {
		metrics.IncDroppedSubscriber(s.channel)
	}
	s.once.Do(func() { close(s.ch) })
}

// Channel is a named outbound handle bound to a hub.
type Channel struct {
	hub  *Hub
	name string
}

func (c *Channel) Name() string { return c.name }

// Publish sends payload on the channel.
func (c *Channel) Publish(payload any) { c.hub.Publish(Event{Channel: c.name, Data: payload}) }
