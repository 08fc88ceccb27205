package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loykin/blockvisor"
	"github.com/loykin/blockvisor/internal/buildinfo"
	"github.com/loykin/blockvisor/internal/config"
	"github.com/loykin/blockvisor/internal/logger"
	"github.com/loykin/blockvisor/internal/properties"
	"github.com/loykin/blockvisor/internal/runtimes"
	"github.com/loykin/blockvisor/internal/trigger"
	"github.com/loykin/blockvisor/pkg/client"
)

// command carries the state shared by the subcommands.
type command struct {
	global *GlobalFlags
	out    io.Writer

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
}

// setup loads the config and installs the default logger.
func (c *command) setup() error {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log, c.logCloser = logger.New(cfg.Log, os.Stderr)
	slog.SetDefault(c.log)
	return nil
}

func (c *command) teardown() {
	if c.logCloser != nil {
		_ = c.logCloser.Close()
		c.logCloser = nil
	}
}

func (c *command) client() *client.Client {
	cc := client.Config{
		BaseURL:  c.apiURL(),
		Timeout:  c.global.APITimeout,
		Logger:   c.log,
		Insecure: c.global.Insecure,
	}
	if c.global.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: c.global.CACert}
	}
	return client.New(cc)
}

// apiURL is --api-url, or the local daemon address derived from the config.
func (c *command) apiURL() string {
	if c.global.APIUrl != "" {
		return strings.TrimRight(c.global.APIUrl, "/")
	}
	return apiURLFromConfig(c.cfg)
}

func apiURLFromConfig(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return client.DefaultBaseURL
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Server.BasePath, "/")
}

// Serve runs the daemon until SIGINT or SIGTERM.
func (c *command) Serve(ctx context.Context, flags ServeFlags) error {
	if flags.ServersDir != "" {
		c.cfg.Servers.Dir = flags.ServersDir
	}
	if flags.Listen != "" {
		c.cfg.Server.Listen = flags.Listen
	}
	d, err := blockvisor.New(blockvisor.Options{Config: c.cfg, Root: flags.Root, Logger: c.log})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func (c *command) Status(ctx context.Context, name string) error {
	cl := c.client()
	if name == "" {
		list, err := cl.Servers(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, list)
		return nil
	}
	data, err := cl.Server(ctx, name)
	if err != nil {
		return err
	}
	printJSON(c.out, data)
	return nil
}

func (c *command) Start(ctx context.Context, flags StartFlags) error {
	if flags.Offline {
		path, err := writeSentinel(c.cfg, flags.Root, flags.Name)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "start requested: %s\n", path)
		return nil
	}
	if err := c.client().Start(ctx, flags.Name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s started\n", flags.Name)
	return nil
}

func (c *command) Stop(ctx context.Context, name string) error {
	if err := c.client().Stop(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s stopped\n", name)
	return nil
}

func (c *command) Send(ctx context.Context, flags SendFlags) error {
	return c.client().Command(ctx, flags.Name, flags.Command)
}

func (c *command) Usage(ctx context.Context) error {
	u, err := c.client().Usage(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, u)
	return nil
}

func (c *command) Runtimes(ctx context.Context, local bool) error {
	if local {
		printJSON(c.out, runtimes.Discover(c.cfg.Runtimes.Dirs...))
		return nil
	}
	rts, err := c.client().Runtimes(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, rts)
	return nil
}

// Version prints the local build and, when reachable, the daemon's.
func (c *command) Version(ctx context.Context) error {
	out := map[string]any{"client": buildinfo.Get()}
	if v, err := c.client().Version(ctx); err == nil {
		out["daemon"] = v
	} else {
		c.log.Debug("daemon version unavailable", slog.Any("error", err))
	}
	printJSON(c.out, out)
	return nil
}

// writeSentinel drops the start sentinel into the named server's directory,
// resolving the server directory the same way the daemon does.
func writeSentinel(cfg *config.Config, root, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid server name %q", name)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	env, err := config.LoadDotenv(root, cfg.Dotenv)
	if err != nil {
		slog.Warn("dotenv ignored", slog.Any("error", err))
	}
	base, _ := config.ResolveBasePath(cfg, root, env)
	dir := filepath.Join(base, name)
	if fi, err := os.Stat(filepath.Join(dir, properties.FileName)); err != nil || !fi.Mode().IsRegular() {
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s is not a server directory", dir)
		}
		return "", err
	}
	path := trigger.SentinelPath(dir)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return "", fmt.Errorf("write sentinel: %w", err)
	}
	return path, nil
}
