package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrTransport       = errors.New("transport failure")
	ErrShutdownTimeout = errors.New("worker did not shut down in time")
	ErrCrashed         = errors.New("worker crashed")
	ErrNotLoaded       = errors.New("no session loaded")
	ErrNotRunning      = errors.New("session is not running")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrInitFailed      = errors.New("session init failed")
	ErrClosed          = errors.New("supervisor closed")
)

// TransportError is a broken or malformed channel to the worker.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// EngineError is a failure reported by the worker for one engine call.
type EngineError struct {
	Op      string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// CrashError ends a session that was not shutting down. Err is the process
// exit status or the transport failure that was detected first.
type CrashError struct {
	PID int
	Err error
}

func (e *CrashError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker %d exited unexpectedly", e.PID)
	}
	return fmt.Sprintf("worker %d crashed: %v", e.PID, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

func (e *CrashError) Is(target error) bool { return target == ErrCrashed }
