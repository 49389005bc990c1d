package supervisor

import "time"

const (
	DefaultInitTimeout      = 15 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultShutdownTimeout  = 5000 * time.Millisecond
	DefaultSubscriberBuffer = 256

	// KillGracePeriod separates SIGTERM from SIGKILL when a worker is forced
	// down.
	KillGracePeriod = 100 * time.Millisecond
	// ExitConfirmTimeout bounds the wait for a killed worker to be reaped.
	ExitConfirmTimeout = time.Second

	MaxSaveSlot = 999
)
