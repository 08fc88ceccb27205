package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/blockvisor/internal/broadcast"
	"github.com/loykin/blockvisor/internal/buildinfo"
	mng "github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/metrics"
)

// DefaultHeartbeat is the SSE keep-alive period.
const DefaultHeartbeat = 30 * time.Second

// Router serves the supervisor API. Endpoints, relative to basePath:
//
//	GET  /events?channel=...   SSE stream of one channel, or all when omitted
//	POST /messages             body: {"channel": "...", "data": ...}
//	GET  /servers              aggregate server list
//	GET  /servers/:name        full state of one server
//	GET  /usage                supervisor usage history
//	GET  /runtimes             discovered Java runtimes
//	GET  /version
//	GET  /dependencies
//
// /metrics is served at the root when enabled. Anything else falls through
// to the static frontend, with index.html for unknown paths.
type Router struct {
	reg       *mng.Registry
	hub       *broadcast.Hub
	disp      *broadcast.Dispatcher
	basePath  string
	staticDir string
	metrics   bool
	heartbeat time.Duration
	log       *slog.Logger
}

type Options struct {
	BasePath  string
	StaticDir string
	Metrics   bool
	Heartbeat time.Duration
	Logger    *slog.Logger
}

func NewRouter(reg *mng.Registry, hub *broadcast.Hub, disp *broadcast.Dispatcher, opts Options) *Router {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		reg:       reg,
		hub:       hub,
		disp:      disp,
		basePath:  sanitizeBase(opts.BasePath),
		staticDir: opts.StaticDir,
		metrics:   opts.Metrics,
		heartbeat: opts.Heartbeat,
		log:       opts.Logger,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/events", r.handleEvents)
	group.POST("/messages", r.handleMessage)
	group.GET("/servers", r.handleServers)
	group.GET("/servers/:name", r.handleServer)
	group.GET("/usage", r.handleRead(broadcast.ChannelUsage))
	group.GET("/runtimes", r.handleRead(broadcast.ChannelRuntimes))
	group.GET("/version", func(c *gin.Context) { writeJSON(c, http.StatusOK, buildinfo.Get()) })
	group.GET("/dependencies", func(c *gin.Context) { writeJSON(c, http.StatusOK, buildinfo.Dependencies()) })
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	if r.staticDir != "" {
		g.NoRoute(r.handleStatic)
	}
	return g
}

// NewServer binds addr and serves h on it in the background, with HTTPS
// when tlsCfg is set. A bind failure is returned; later serve errors other
// than a normal close are logged.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, lg *slog.Logger) (*http.Server, error) {
	if lg == nil {
		lg = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no ReadTimeout or WriteTimeout: both deadlines stay armed while a
		// handler runs and would cut event streams off
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server failed", slog.String("addr", server.Addr), slog.Any("error", err))
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type messageReq struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (r *Router) handleMessage(c *gin.Context) {
	var req messageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Channel == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "channel required"})
		return
	}
	// lifecycle operations outlive the request
	ctx := context.WithoutCancel(c.Request.Context())
	events, err := r.disp.Dispatch(ctx, req.Channel, req.Data)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	r.hub.Emit(events...)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleServers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.Strip())
}

func (r *Router) handleServer(c *gin.Context) {
	s, err := r.reg.Get(c.Param("name"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, s.Data())
}

// handleRead answers with the data the dispatcher produces for a read-only channel.
func (r *Router) handleRead(channel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := r.disp.Dispatch(c.Request.Context(), channel, nil)
		if err != nil || len(events) == 0 {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: "no data for " + channel})
			return
		}
		writeJSON(c, http.StatusOK, events[0].Data)
	}
}

func (r *Router) handleEvents(c *gin.Context) {
	channel := c.DefaultQuery("channel", broadcast.AllChannels)
	if channel != broadcast.AllChannels {
		if _, _, err := r.disp.Resolve(channel); err != nil {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
	}
	sub, err := r.hub.Subscribe(channel)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	pending := r.initial(channel)
	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		if len(pending) > 0 {
			for _, e := range pending {
				c.SSEvent(e.Channel, e.Data)
			}
			pending = nil
			return true
		}
		select {
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(e.Channel, e.Data)
			return true
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				r.log.Debug("event stream write failed", slog.String("channel", channel), slog.Any("error", err))
				return false
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// initial returns the current state of channel so a new subscriber starts in sync.
func (r *Router) initial(channel string) []broadcast.Event {
	switch channel {
	case broadcast.AllChannels:
		out := []broadcast.Event{{Channel: broadcast.ChannelServers, Data: r.reg.Strip()}}
		for _, s := range r.reg.List() {
			out = append(out, broadcast.Event{Channel: s.Channel().Name(), Data: s.Data()})
		}
		return out
	case broadcast.ChannelServers:
		return []broadcast.Event{{Channel: channel, Data: r.reg.Strip()}}
	case broadcast.ChannelUsage:
		events, _ := r.disp.Dispatch(context.Background(), channel, nil)
		return events
	}
	if s, ok := r.reg.GetByChannel(channel); ok {
		return []broadcast.Event{{Channel: channel, Data: s.Data()}}
	}
	return nil
}

func (r *Router) handleStatic(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	if r.basePath != "" && strings.HasPrefix(c.Request.URL.Path, r.basePath+"/") {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	rel := filepath.FromSlash(strings.TrimPrefix(c.Request.URL.Path, "/"))
	if rel != "" && isSafeRelPath(rel) {
		p := filepath.Join(r.staticDir, rel)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			c.File(p)
			return
		}
	}
	c.File(filepath.Join(r.staticDir, "index.html"))
}

// statusFor maps dispatch errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrUnknownChannel), errors.Is(err, mng.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, mng.ErrOperationConflict), errors.Is(err, mng.ErrAlreadyRunning), errors.Is(err, mng.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, mng.ErrUnsupportedMessage):
		return http.StatusBadRequest
	case errors.Is(err, mng.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	var spawn *mng.SpawnError
	if errors.As(err, &spawn) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
