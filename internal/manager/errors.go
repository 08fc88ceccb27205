package manager

import (
	"errors"
	"fmt"

	"github.com/loykin/blockvisor/internal/process"
	"github.com/loykin/blockvisor/internal/properties"
)

var (
	// ErrOperationConflict matches every *OperationConflictError.
	ErrOperationConflict = errors.New("another lifecycle operation is in progress")
	ErrAlreadyRunning    = errors.New("server is already running")
	ErrNotRunning        = errors.New("server is not running")
	ErrUnknownServer     = errors.New("unknown server")
	ErrShuttingDown      = errors.New("supervisor is shutting down")

	// ErrUnsupportedMessage is returned for inbound payloads that map to no operation.
	ErrUnsupportedMessage = errors.New("unsupported message")

	ErrTerminationTimeout = process.ErrTerminationTimeout
)

// PropertiesReadError reports an unreadable or malformed server.properties.
type PropertiesReadError = properties.ReadError

// OperationConflictError is returned when a start or stop arrives while
// another one is still running for the same server.
type OperationConflictError struct {
	Name string
	Op   string
}

func (e *OperationConflictError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, ErrOperationConflict)
}

func (e *OperationConflictError) Is(target error) bool { return target == ErrOperationConflict }

// SpawnError means the child could not be launched or died inside its start window.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Name, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }
