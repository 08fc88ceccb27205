package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/blockvisor/internal/history"
	"github.com/loykin/blockvisor/internal/metrics"
	"github.com/loykin/blockvisor/internal/process"
	"github.com/loykin/blockvisor/internal/properties"
	"github.com/loykin/blockvisor/internal/usage"
)

// Channel is the outbound handle a server publishes its state on.
type Channel interface {
	Name() string
	Publish(payload any)
}

type discardChannel string

func (c discardChannel) Name() string { return string(c) }

func (discardChannel) Publish(any) {}

// Options carries what every ManagedServer of a registry shares.
type Options struct {
	Defaults    process.Defaults
	Sampler     usage.Sampler
	History     history.Sink
	Logger      *slog.Logger
	HistorySize int
	// NewChannel creates the outbound channel for a server. Nil publishes nowhere.
	NewChannel func(server string) Channel
}

// Data is the full state of one server as sent on its channel.
type Data struct {
	Name       string                `json:"name"`
	Status     Status                `json:"status"`
	Properties properties.Properties `json:"properties"`
	Usage      []usage.ResourceUsage `json:"usage"`
}

// Summary is the projection used in the aggregate server list.
type Summary struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// ManagedServer owns the lifecycle of one server directory and its child process.
//
// Lock Hierarchy (to prevent deadlocks):
// 1. opMu - held for the whole of a start or stop, acquired with TryLock
// 2. mu - protects status, proc, props and seq
// 3. emitMu - leaf; never held while acquiring mu
type ManagedServer struct {
	name     string
	dir      string
	defaults process.Defaults
	sampler  usage.Sampler
	sink     history.Sink
	log      *slog.Logger
	channel  Channel
	usage    *usage.History

	opMu     sync.Mutex
	draining atomic.Bool // set once; checked under opMu

	mu     sync.RWMutex
	props  properties.Properties
	status Status
	proc   *process.Process
	seq    uint64 // bumped on every transition

	emitMu    sync.Mutex
	published uint64
}

// NewManagedServer creates a stopped server rooted at dir.
func NewManagedServer(name, dir string, opts Options) *ManagedServer {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = usage.NewProcessSampler()
	}
	var ch Channel = discardChannel("server_" + name)
	if opts.NewChannel != nil {
		ch = opts.NewChannel(name)
	}
	return &ManagedServer{
		name:     name,
		dir:      dir,
		defaults: opts.Defaults,
		sampler:  sampler,
		sink:     opts.History,
		log:      lg.With(slog.String("server", name)),
		channel:  ch,
		usage:    usage.NewHistory(opts.HistorySize),
		props:    properties.Properties{},
		status:   StatusStopped,
	}
}

func (s *ManagedServer) Name() string { return s.name }

func (s *ManagedServer) Dir() string { return s.dir }

func (s *ManagedServer) Channel() Channel { return s.channel }

// Usage returns the server's usage history.
func (s *ManagedServer) Usage() *usage.History { return s.usage }

func (s *ManagedServer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// PID returns the child's pid, or 0 when no child is attached.
func (s *ManagedServer) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// HasProcess reports whether a process handle is attached.
func (s *ManagedServer) HasProcess() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc != nil
}

// Properties returns a copy of the last loaded properties.
func (s *ManagedServer) Properties() properties.Properties {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Clone()
}

// Autostart reports the autostart property.
func (s *ManagedServer) Autostart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Bool(process.KeyAutostart, false)
}

// Update re-reads server.properties. A missing or malformed file leaves an
// empty property map and returns a *PropertiesReadError.
func (s *ManagedServer) Update() error {
	props, err := properties.Load(filepath.Join(s.dir, properties.FileName))
	s.mu.Lock()
	s.props = props
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("server properties unreadable", slog.Any("error", err))
	}
	return err
}

// Drain makes every later Start fail with ErrShuttingDown. A start already
// holding the operation lock is unaffected; StopSettled waits for it.
func (s *ManagedServer) Drain() { s.draining.Store(true) }

// Start spawns the server. It is valid only from stopped.
func (s *ManagedServer) Start(ctx context.Context) error {
	if !s.opMu.TryLock() {
		return &OperationConflictError{Name: s.name, Op: "start"}
	}
	defer s.opMu.Unlock()
	if s.draining.Load() {
		return fmt.Errorf("start %s: %w", s.name, ErrShuttingDown)
	}

	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", s.name, ErrAlreadyRunning)
	}
	spec := process.SpecFromProperties(s.name, s.dir, s.props, s.defaults)
	proc := process.New(spec)
	s.proc = proc
	s.transitionLocked(StatusStarting)
	s.unlockAndEmit()

	if err := proc.Start(); err != nil {
		s.mu.Lock()
		s.proc = nil
		s.transitionLocked(StatusStopped)
		s.unlockAndEmit()
		s.log.Error("server failed to spawn", slog.Any("error", err))
		return &SpawnError{Name: s.name, Err: err}
	}
	go s.monitor(proc)

	began := time.Now()
	winErr := proc.EnforceStartDuration(ctx, spec.StartDuration)

	s.mu.Lock()
	if proc.Exited() {
		s.proc = nil
		s.transitionLocked(StatusStopped)
		s.unlockAndEmit()
		err := fmt.Errorf("%w %s", process.ErrExitedEarly, spec.StartDuration)
		if exitErr := proc.ExitErr(); exitErr != nil {
			err = fmt.Errorf("%w: %v", err, exitErr)
		}
		s.log.Error("server exited during start", slog.Any("error", err))
		s.record(history.EventExit, proc, StatusStopped, err)
		return &SpawnError{Name: s.name, Err: err}
	}
	s.transitionLocked(StatusStarted)
	s.unlockAndEmit()

	if winErr != nil {
		// the window was cut short but the child is alive, so it counts as started
		s.log.Warn("start window interrupted", slog.Any("error", winErr))
	}
	metrics.IncStart(s.name)
	metrics.ObserveStartDuration(s.name, time.Since(began).Seconds())
	s.record(history.EventStart, proc, StatusStarted, nil)
	s.log.Info("server started", slog.Int("pid", proc.PID()))
	return nil
}

// Stop asks the server to exit and waits for it. Stopping a stopped server is
// a silent no-op.
func (s *ManagedServer) Stop(ctx context.Context) error {
	if !s.opMu.TryLock() {
		return &OperationConflictError{Name: s.name, Op: "stop"}
	}
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

// StopSettled waits for any in-flight start or stop to finish and then stops
// the server if it is still running.
func (s *ManagedServer) StopSettled(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *ManagedServer) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped || s.proc == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.transitionLocked(StatusStopping)
	s.unlockAndEmit()

	timeout := proc.Spec().StopTimeout
	err := proc.Stop(ctx, timeout)

	s.mu.Lock()
	s.proc = nil
	s.transitionLocked(StatusStopped)
	s.unlockAndEmit()
	s.forget(proc)
	metrics.IncStop(s.name)

	switch {
	case err == nil:
		s.record(history.EventStop, proc, StatusStopped, nil)
		s.log.Info("server stopped")
		return nil
	case errors.Is(err, ErrTerminationTimeout):
		metrics.IncKill(s.name)
		s.record(history.EventKill, proc, StatusStopped, err)
		s.log.Warn("server killed after stop timeout", slog.Duration("timeout", timeout), slog.Any("error", err))
		return nil
	default:
		s.record(history.EventKill, proc, StatusStopped, err)
		s.log.Error("server stop failed", slog.Any("error", err))
		return err
	}
}

// monitor moves a started server to stopped when its child exits on its own.
func (s *ManagedServer) monitor(proc *process.Process) {
	<-proc.Done()
	s.mu.Lock()
	if s.proc != proc || s.status != StatusStarted {
		// a start or stop owns this transition
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.transitionLocked(StatusStopped)
	s.unlockAndEmit()
	s.forget(proc)

	exitErr := proc.ExitErr()
	metrics.IncUnexpectedExit(s.name)
	s.record(history.EventExit, proc, StatusStopped, exitErr)
	if exitErr != nil {
		s.log.Warn("server exited", slog.Any("error", exitErr))
	} else {
		s.log.Info("server exited")
	}
}

// SendCommand writes one line to the server console.
func (s *ManagedServer) SendCommand(line string) error {
	s.mu.RLock()
	proc, st := s.proc, s.status
	s.mu.RUnlock()
	if st != StatusStarted || proc == nil {
		return fmt.Errorf("command %s: %w", s.name, ErrNotRunning)
	}
	if err := proc.WriteLine(line); err != nil {
		return fmt.Errorf("command %s: %w", s.name, err)
	}
	return nil
}

type inboundMessage struct {
	Status  *string `json:"status"`
	Command *string `json:"command"`
}

// HandleMessage applies a payload received on the server's channel:
// {"status":"starting"} starts, {"status":"stopping"} stops, and a
// {"command":"..."} object or plain text is written to the console.
func (s *ManagedServer) HandleMessage(ctx context.Context, data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%s: empty message: %w", s.name, ErrUnsupportedMessage)
	}

	var msg inboundMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		var text string
		if json.Unmarshal(trimmed, &text) == nil {
			return s.SendCommand(text)
		}
		return s.SendCommand(string(trimmed))
	}
	switch {
	case msg.Status != nil:
		st, err := ParseStatus(*msg.Status)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", s.name, ErrUnsupportedMessage, err)
		}
		switch st {
		case StatusStarting:
			return s.Start(ctx)
		case StatusStopping:
			return s.Stop(ctx)
		}
		return fmt.Errorf("%s: status %q: %w", s.name, st, ErrUnsupportedMessage)
	case msg.Command != nil:
		return s.SendCommand(strings.TrimSpace(*msg.Command))
	}
	return fmt.Errorf("%s: %w", s.name, ErrUnsupportedMessage)
}

// MeasureUsage samples the child and appends the result to the usage history.
// Anything but a started server records a zero snapshot.
func (s *ManagedServer) MeasureUsage(ctx context.Context, t time.Time) usage.ResourceUsage {
	s.mu.RLock()
	proc, st := s.proc, s.status
	s.mu.RUnlock()

	u := usage.Zero(t)
	if st == StatusStarted && proc != nil {
		sample, err := s.sampler.Sample(ctx, int32(proc.PID()))
		if err != nil {
			s.log.Error("usage sampling failed", slog.Any("error", err))
		} else {
			u = sample.At(t)
		}
	}
	s.usage.Append(u)
	metrics.SetUsage(s.name, u.CPU, u.Memory)
	return u
}

// Data returns the current full state.
func (s *ManagedServer) Data() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataLocked()
}

func (s *ManagedServer) dataLocked() Data {
	return Data{
		Name:       s.name,
		Status:     s.status,
		Properties: s.props.Clone(),
		Usage:      s.usage.Snapshot(),
	}
}

// SendServerData publishes the full state on the server's channel.
func (s *ManagedServer) SendServerData() {
	s.mu.RLock()
	d, seq := s.dataLocked(), s.seq
	s.mu.RUnlock()
	s.publish(d, seq)
}

// Strip projects servers to the aggregate list form.
func Strip(servers []*ManagedServer) []Summary {
	out := make([]Summary, 0, len(servers))
	for _, s := range servers {
		out = append(out, Summary{Name: s.name, Status: s.Status()})
	}
	return out
}

// transitionLocked sets the status and records metrics. Caller holds mu.
func (s *ManagedServer) transitionLocked(to Status) {
	from := s.status
	s.status = to
	s.seq++
	metrics.RecordStateTransition(s.name, from.String(), to.String())
	metrics.SetCurrentState(s.name, from.String(), false)
	metrics.SetCurrentState(s.name, to.String(), true)
}

// unlockAndEmit releases mu and publishes the state it guarded.
func (s *ManagedServer) unlockAndEmit() {
	d, seq := s.dataLocked(), s.seq
	s.mu.Unlock()
	s.publish(d, seq)
}

// publish drops snapshots older than one already sent, so observers see
// states in transition order.
func (s *ManagedServer) publish(d Data, seq uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq < s.published {
		return
	}
	s.published = seq
	s.channel.Publish(d)
}

func (s *ManagedServer) forget(proc *process.Process) {
	if f, ok := s.sampler.(interface{ Forget(int32) }); ok {
		f.Forget(int32(proc.PID()))
	}
}

func (s *ManagedServer) record(t history.EventType, proc *process.Process, st Status, err error) {
	if s.sink == nil {
		return
	}
	rec := history.Record{
		Name:      s.name,
		PID:       proc.PID(),
		Status:    st.String(),
		StartedAt: proc.StartedAt().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sendErr := s.sink.Send(ctx, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}); sendErr != nil {
		s.log.Warn("history sink failed", slog.String("event", string(t)), slog.Any("error", sendErr))
	}
}
