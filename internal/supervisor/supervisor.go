// Package supervisor runs the boot pass, the periodic usage sampling and the
// ordered shutdown of a registry of managed servers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/blockvisor/internal/broadcast"
	"github.com/loykin/blockvisor/internal/manager"
	"github.com/loykin/blockvisor/internal/usage"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 10 * time.Second

// Emitter publishes outbound events.
type Emitter interface {
	Emit(events ...broadcast.Event)
}

// Stage orders the teardown steps that run after every server has stopped.
type Stage int

const (
	StageWatchers Stage = iota
	StageHub
	StageHTTP
)

func (s Stage) String() string {
	switch s {
	case StageWatchers:
		return "watchers"
	case StageHub:
		return "hub"
	case StageHTTP:
		return "http"
	}
	return "unknown"
}

type Options struct {
	Interval    time.Duration
	HistorySize int
	// Sampler measures the supervisor's own process.
	Sampler usage.Sampler
	Logger  *slog.Logger
	// Now stamps samples; tests pin it.
	Now func() time.Time
}

type closer struct {
	stage Stage
	name  string
	c     io.Closer
}

// Supervisor owns the registry's background work.
type Supervisor struct {
	reg      *manager.Registry
	out      Emitter
	sampler  usage.Sampler
	system   *usage.History
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
	pid      int32

	mu      sync.Mutex
	closers []closer
	cancel  context.CancelFunc
	done    chan struct{}

	tickMu sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(reg *manager.Registry, out Emitter, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Sampler == nil {
		opts.Sampler = usage.NewProcessSampler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		reg:      reg,
		out:      out,
		sampler:  opts.Sampler,
		system:   usage.NewHistory(opts.HistorySize),
		interval: opts.Interval,
		log:      opts.Logger,
		now:      opts.Now,
		pid:      int32(os.Getpid()),
	}
}

// Registry returns the supervised servers.
func (s *Supervisor) Registry() *manager.Registry { return s.reg }

// SystemUsage returns the supervisor's own usage history, oldest first.
func (s *Supervisor) SystemUsage() []usage.ResourceUsage { return s.system.Snapshot() }

// OnShutdown registers c to be closed at stage during Shutdown. Closers of
// the same stage run in registration order.
func (s *Supervisor) OnShutdown(stage Stage, name string, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer{stage: stage, name: name, c: c})
}

// Boot refreshes every server's properties, starts the autostart ones,
// takes the first usage sample and starts the sampling loop.
func (s *Supervisor) Boot(ctx context.Context) {
	var wg sync.WaitGroup
	for _, srv := range s.reg.List() {
		if err := srv.Update(); err != nil {
			continue
		}
		if !srv.Autostart() {
			continue
		}
		wg.Add(1)
		go func(srv *manager.ManagedServer) {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				s.log.Error("autostart failed", slog.String("server", srv.Name()), slog.Any("error", err))
			}
		}(srv)
	}
	wg.Wait()

	s.Tick(ctx)
	s.startLoop()
	s.log.Info("supervisor started",
		slog.Int("servers", s.reg.Len()),
		slog.Duration("interval", s.interval))
}

// Tick samples the supervisor process, then every server, and emits each
// result.
func (s *Supervisor) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	t := s.now()
	u := usage.Zero(t)
	if sample, err := s.sampler.Sample(ctx, s.pid); err != nil {
		s.log.Error("system usage sampling failed", slog.Any("error", err))
	} else {
		u = sample.At(t)
	}
	s.system.Append(u)
	s.out.Emit(broadcast.Event{Channel: broadcast.ChannelUsage, Data: s.system.Snapshot()})

	for _, srv := range s.reg.List() {
		srv.MeasureUsage(ctx, t)
		srv.SendServerData()
	}
}

func (s *Supervisor) startLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
				s.Tick(tctx)
				tcancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// stopLoop cancels the sampling loop and waits for an in-flight tick.
func (s *Supervisor) stopLoop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Shutdown refuses further starts, stops every server that has a process
// (servers still starting settle first), then closes watchers, the sampling loop, the
// hub and the HTTP listener in that order. Only the first call does work.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	// no start may begin past this point; one already under way is waited
	// for by StopSettled, so every server is visited regardless of status
	s.reg.Drain()
	for _, srv := range s.reg.List() {
		wg.Add(1)
		go func(srv *manager.ManagedServer) {
			defer wg.Done()
			if err := srv.StopSettled(ctx); err != nil {
				s.log.Error("stop failed", slog.String("server", srv.Name()), slog.Any("error", err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", srv.Name(), err))
				mu.Unlock()
			}
		}(srv)
	}
	wg.Wait()

	errs = append(errs, s.closeStage(StageWatchers))
	s.stopLoop()
	errs = append(errs, s.closeStage(StageHub), s.closeStage(StageHTTP))

	s.log.Info("supervisor stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) closeStage(stage Stage) error {
	s.mu.Lock()
	var list []closer
	for _, c := range s.closers {
		if c.stage == stage {
			list = append(list, c)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range list {
		if err := c.c.Close(); err != nil {
			s.log.Warn("close failed", slog.String("stage", stage.String()), slog.String("name", c.name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
