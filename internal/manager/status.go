package manager

import "fmt"

// Status is the lifecycle state of a managed server.
//
// State Machine:
// Stopped -> Starting -> Started -> Stopping -> Stopped
//
// Starting and Stopping only exist while a lifecycle operation holds the
// server's operation guard. Started -> Stopped also happens when the child
// exits on its own.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusStarted
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "stopped":
		return StatusStopped, nil
	case "starting":
		return StatusStarting, nil
	case "started":
		return StatusStarted, nil
	case "stopping":
		return StatusStopping, nil
	}
	return StatusStopped, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
