// Package trigger starts servers when a sentinel file named "start" appears
// in their directory, so other tools can request a start without the API.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/blockvisor/internal/manager"
)

// SentinelName is the file that requests a start.
const SentinelName = "start"

// Server is what the watcher needs from a managed server.
type Server interface {
	Name() string
	Dir() string
	Start(ctx context.Context) error
	SendServerData()
}

type target struct {
	server Server
	busy   sync.Mutex
}

// Watcher watches every server directory for the sentinel.
type Watcher struct {
	fw      *fsnotify.Watcher
	log     *slog.Logger
	targets map[string]*target // keyed by sentinel path

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

// SentinelPath returns the sentinel location for a server directory.
func SentinelPath(dir string) string { return filepath.Join(dir, SentinelName) }

// Watch begins watching the directories of servers. Sentinels already present
// are handled once right away.
func Watch(servers []Server, lg *slog.Logger) (*Watcher, error) {
	if lg == nil {
		lg = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fw:      fw,
		log:     lg,
		targets: make(map[string]*target, len(servers)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, s := range servers {
		if err := fw.Add(s.Dir()); err != nil {
			w.log.Warn("cannot watch server directory", slog.String("server", s.Name()), slog.Any("error", err))
			continue
		}
		w.targets[filepath.Clean(SentinelPath(s.Dir()))] = &target{server: s}
	}

	w.wg.Add(1)
	go w.loop()
	for _, t := range w.targets {
		w.fire(t)
	}
	return w, nil
}

// ForServers adapts registry servers to Watch.
func ForServers(list []*manager.ManagedServer) []Server {
	out := make([]Server, 0, len(list))
	for _, s := range list {
		out = append(out, s)
	}
	return out
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if t, ok := w.targets[filepath.Clean(ev.Name)]; ok {
				w.fire(t)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Error("trigger watcher error", slog.Any("error", err))
		}
	}
}

// fire handles t's sentinel unless a handler for t is already running.
func (w *Watcher) fire(t *target) {
	if w.ctx.Err() != nil || !t.busy.TryLock() {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer t.busy.Unlock()
		for w.ctx.Err() == nil && w.handle(t.server) {
		}
	}()
}

// handle starts the server for a present sentinel, publishes its state and
// removes the sentinel. It reports whether a new sentinel showed up meanwhile.
func (w *Watcher) handle(s Server) bool {
	path := SentinelPath(s.Dir())
	fi, err := os.Lstat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	lg := w.log.With(slog.String("server", s.Name()))
	lg.Info("start requested by sentinel file")

	err = s.Start(w.ctx)
	switch {
	case err == nil:
	case errors.Is(err, manager.ErrShuttingDown):
		lg.Info("sentinel kept for the next boot")
		return false
	case errors.Is(err, manager.ErrOperationConflict), errors.Is(err, manager.ErrAlreadyRunning):
		lg.Debug("sentinel ignored", slog.Any("reason", err))
	default:
		lg.Error("sentinel start failed", slog.Any("error", err))
	}
	s.SendServerData()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		lg.Error("cannot remove sentinel", slog.Any("error", err))
		return false
	}
	_, err = os.Lstat(path)
	return err == nil
}

// Close stops watching and waits for running handlers. It is idempotent.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		w.cancel()
		w.err = w.fw.Close()
		w.wg.Wait()
	})
	return w.err
}
