// Package blockvisor assembles the supervisor daemon: discovery, lifecycle
// management, trigger watching, usage sampling and the HTTP/SSE API.
package blockvisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/blockvisor/internal/broadcast"
	"github.com/loykin/blockvisor/internal/config"
	"github.com/loykin/blockvisor/internal/history"
	"github.com/loykin/blockvisor/internal/history/factory"
	"github.com/loykin/blockvisor/internal/logger"
	"github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/metrics"
	"github.com/loykin/blockvisor/internal/runtimes"
	"github.com/loykin/blockvisor/internal/server"
	"github.com/loykin/blockvisor/internal/supervisor"
	itls "github.com/loykin/blockvisor/internal/tls"
	"github.com/loykin/blockvisor/internal/trigger"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = manager.Status

type ServerData = manager.Data

type Event = broadcast.Event

// LoadConfig reads a config file; an empty path yields defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type Options struct {
	// Config defaults to LoadConfig("").
	Config *Config
	// Root is the directory dotenv files and settings.properties are read
	// from. Defaults to the working directory.
	Root string
	// Logger defaults to one built from Config.Log writing to stderr.
	Logger *slog.Logger
}

// Daemon is one supervisor instance.
type Daemon struct {
	cfg        *Config
	log        *slog.Logger
	logCloser  io.Closer
	basePath   string
	pathSource config.Source

	hub     *broadcast.Hub
	reg     *manager.Registry
	sup     *supervisor.Supervisor
	sinks   history.Multi
	handler http.Handler
	tls     *tls.Config
	addr    string
}

// New discovers the managed servers and builds every component without
// starting anything. An unreadable server directory is an error.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			return nil, err
		}
	}
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		root = wd
	}
	d := &Daemon{cfg: cfg, log: opts.Logger}
	if d.log == nil {
		d.log, d.logCloser = logger.New(cfg.Log, os.Stderr)
	}

	env, err := config.LoadDotenv(root, cfg.Dotenv)
	if err != nil {
		d.log.Warn("dotenv ignored", slog.Any("error", err))
	}
	d.basePath, d.pathSource = config.ResolveBasePath(cfg, root, env)

	tlsCfg, err := itls.Setup(cfg.Server.TLS)
	if err != nil {
		d.closeLog()
		return nil, fmt.Errorf("tls: %w", err)
	}
	d.tls = tlsCfg

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.log.Warn("metrics registration failed", slog.Any("error", err))
		}
	}

	d.sinks, err = factory.NewSinks(cfg.History.All())
	if err != nil {
		d.closeLog()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	var sink history.Sink
	if len(d.sinks) > 0 {
		sink = d.sinks
	}

	d.hub = broadcast.NewHub(broadcast.DefaultBuffer, d.log)
	d.reg, err = manager.Discover(d.basePath, manager.Options{
		Defaults:    cfg.ProcessDefaults(),
		History:     sink,
		Logger:      d.log,
		HistorySize: cfg.Sampling.History,
		NewChannel:  d.hub.ServerChannels(),
	})
	if err != nil {
		_ = d.sinks.Close()
		d.closeLog()
		return nil, err
	}

	d.sup = supervisor.New(d.reg, d.hub, supervisor.Options{
		Interval:    cfg.Sampling.Interval,
		HistorySize: cfg.Sampling.History,
		Logger:      d.log,
	})
	runtimeDirs := cfg.Runtimes.Dirs
	disp := broadcast.NewDispatcher(d.reg, broadcast.Sources{
		Runtimes:    func() []runtimes.Runtime { return runtimes.Discover(runtimeDirs...) },
		SystemUsage: d.sup.SystemUsage,
	})
	d.handler = server.NewRouter(d.reg, d.hub, disp, server.Options{
		BasePath:  cfg.Server.BasePath,
		StaticDir: cfg.Server.StaticDir,
		Metrics:   cfg.Metrics.Enabled,
		Logger:    d.log,
	}).Handler()

	d.log.Info("servers discovered",
		slog.String("dir", d.basePath),
		slog.String("source", string(d.pathSource)),
		slog.Int("count", d.reg.Len()))
	return d, nil
}

// Start binds the API listener, boots the supervisor and starts the trigger
// watchers. The listener address comes from server.listen; a bind failure
// is returned before any server is started.
func (d *Daemon) Start(ctx context.Context) error {
	d.sup.OnShutdown(supervisor.StageHub, "hub", d.hub)
	if len(d.sinks) > 0 {
		d.sup.OnShutdown(supervisor.StageHTTP, "history", d.sinks)
	}
	srv, err := server.NewServer(d.cfg.Server.Listen, d.handler, d.tls, d.log)
	if err != nil {
		return err
	}
	d.addr = srv.Addr
	d.sup.OnShutdown(supervisor.StageHTTP, "http", srv)

	d.sup.Boot(ctx)

	w, err := trigger.Watch(trigger.ForServers(d.reg.List()), d.log)
	if err != nil {
		return fmt.Errorf("trigger watcher: %w", err)
	}
	d.sup.OnShutdown(supervisor.StageWatchers, "trigger", w)

	d.log.Info("api listening",
		slog.String("addr", d.addr),
		slog.String("base_path", d.cfg.Server.BasePath),
		slog.Bool("tls", d.tls != nil))
	return nil
}

// Shutdown stops every server and tears down the daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	err := d.sup.Shutdown(ctx)
	d.closeLog()
	return err
}

// Run starts the daemon and shuts it down once ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		_ = d.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()
	d.log.Info("shutting down")
	return d.Shutdown(context.WithoutCancel(ctx))
}

// Addr returns the bound listener address once Start has succeeded.
func (d *Daemon) Addr() string { return d.addr }

// Handler returns the API handler, for embedding or tests.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Registry returns the discovered servers.
func (d *Daemon) Registry() *manager.Registry { return d.reg }

// BasePath returns the server directory and which setting named it.
func (d *Daemon) BasePath() (string, config.Source) { return d.basePath, d.pathSource }

// Subscribe listens to channel; "" or "*" receives every channel.
func (d *Daemon) Subscribe(channel string) (*broadcast.Subscription, error) {
	return d.hub.Subscribe(channel)
}

func (d *Daemon) closeLog() {
	if d.logCloser != nil {
		_ = d.logCloser.Close()
		d.logCloser = nil
	}
}
