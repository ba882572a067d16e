// Package worker defines the ephemeral Worker entity owned exclusively by
// its pool (spec.md §3).
package worker

import "time"

// State is the worker's lifecycle state.
type State string

const (
	StateIdle     State = "Idle"
	StateBusy     State = "Busy"
	StateDraining State = "Draining"
	StateDead     State = "Dead"
)

// Worker is the pool's bookkeeping record for one child process.
type Worker struct {
	ID             string
	PoolID         string
	State          State
	CurrentRunID   string
	LaunchedAt     time.Time
	LastHeartbeat  time.Time
	PeakRSSBytes   int64
	PID            int
}

// IsAvailable reports whether the worker can accept a new assignment.
func (w *Worker) IsAvailable() bool {
	return w.State == StateIdle
}
