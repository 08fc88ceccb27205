package usage

import (
	"context"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// Sampler measures resource usage of a process id.
type Sampler interface {
	Sample(ctx context.Context, pid int32) (ResourceUsage, error)
}

// SamplingError reports a failed usage query, most commonly because the
// process exited between the liveness check and the sample.
type SamplingError struct {
	PID int32
	Err error
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("sample pid %d: %v", e.PID, e.Err)
}

func (e *SamplingError) Unwrap() error { return e.Err }

// ProcessSampler samples processes through gopsutil. Handles are cached per
// pid so that CPU percentages are deltas between consecutive samples rather
// than lifetime averages.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int32]*process.Process)}
}

// Sample returns an untimed snapshot for pid.
func (s *ProcessSampler) Sample(ctx context.Context, pid int32) (ResourceUsage, error) {
	if pid <= 0 {
		return ResourceUsage{}, &SamplingError{PID: pid, Err: fmt.Errorf("invalid pid")}
	}
	proc, fresh, err := s.handle(ctx, pid)
	if err != nil {
		return ResourceUsage{}, &SamplingError{PID: pid, Err: err}
	}

	var cpu float64
	if fresh {
		// No previous sample: use the lifetime average and prime the delta counter.
		cpu, err = proc.CPUPercentWithContext(ctx)
		if err == nil {
			_, _ = proc.PercentWithContext(ctx, 0)
		}
	} else {
		cpu, err = proc.PercentWithContext(ctx, 0)
	}
	if err != nil {
		s.Forget(pid)
		return ResourceUsage{}, &SamplingError{PID: pid, Err: err}
	}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		s.Forget(pid)
		return ResourceUsage{}, &SamplingError{PID: pid, Err: err}
	}
	if cpu < 0 {
		cpu = 0
	}
	return ResourceUsage{CPU: cpu, Memory: mem.RSS}, nil
}

// Forget drops the cached handle for pid.
func (s *ProcessSampler) Forget(pid int32) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}

func (s *ProcessSampler) handle(ctx context.Context, pid int32) (*process.Process, bool, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if ok {
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			return p, false, nil
		}
		s.Forget(pid)
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	s.procs[pid] = p
	s.mu.Unlock()
	return p, true, nil
}
