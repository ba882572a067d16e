// Package run defines the Run entity and its status machine (spec.md §3).
package run

import (
	"fmt"
	"time"

	"github.com/r3e-network/execengine/pkg/execerr"
)

// Status is one of the states in the Run status machine.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusRunning     Status = "Running"
	StatusSuccess     Status = "Success"
	StatusFailed      Status = "Failed"
	StatusPartial     Status = "CompletedWithErrors"
	StatusTimeout     Status = "Timeout"
	StatusCancelling  Status = "Cancelling"
	StatusCancelled   Status = "Cancelled"
)

// IsTerminal reports whether a status is one of the terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates the status machine's allowed edges (spec.md §3).
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSuccess:    true,
		StatusFailed:     true,
		StatusPartial:    true,
		StatusTimeout:    true,
		StatusCancelling: true,
	},
	StatusCancelling: {
		StatusCancelled: true,
		// A run that completes naturally before escalation commits its own
		// outcome; the registry accepts these from Cancelling too, since
		// the escalation race is real (spec.md §5 Cancellation semantics).
		StatusSuccess: true,
		StatusFailed:  true,
		StatusTimeout: true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Target identifies what code a run executes: a stored workflow module and
// function, or transient inline code with an entry function.
type Target struct {
	WorkflowID     string `json:"workflow_id,omitempty"`
	ModulePath     string `json:"module_path,omitempty"`
	FunctionName   string `json:"function_name,omitempty"`
	InlineCode     string `json:"inline_code,omitempty"`
	InlineCodeID   string `json:"inline_code_blob_id,omitempty"`
}

// ResourceUsage is the accounting recorded against a terminal run.
type ResourceUsage struct {
	PeakMemoryBytes int64   `json:"peak_memory_bytes"`
	CPUSeconds      float64 `json:"cpu_seconds"`
	DurationMS      int64   `json:"duration_ms"`
	AITokens        int64   `json:"ai_tokens,omitempty"`
}

// Run is the durable record described in spec.md §3.
type Run struct {
	ID                 string
	OrgID              string // empty = global
	RequesterID        string
	Target             Target
	Inputs             []byte // opaque structured blob, or out-of-band reference
	InputsBlobRef      string
	EnqueuedAt         time.Time
	StartedAt          time.Time
	CompletedAt        time.Time
	Status             Status
	Result             []byte
	Error              *execerr.Error
	LogsRef            string
	Resources          ResourceUsage
	CancellationReason string
	AttemptCount       int
	Priority           int
	DeadlineMS         int64
	MemoryLimitBytes   int64
	// PoolOwner is the id of the pool currently executing this run, set by
	// the dispatcher on dispatch. The scheduler's stuck-run sweep uses it
	// to resolve which heartbeat entry to check (spec.md §4.7).
	PoolOwner string
}

// Transition validates and applies a status change, returning
// execerr.KindIllegalTransition on a disallowed edge. Terminal states are
// write-once: transitioning away from an already-terminal status (other
// than the Cancelling race handled above) is always illegal.
func (r *Run) Transition(to Status) error {
	if r.Status == to {
		return nil
	}
	if r.Status.IsTerminal() {
		return execerr.New(execerr.KindIllegalTransition,
			fmt.Sprintf("run %s is already terminal (%s), cannot move to %s", r.ID, r.Status, to))
	}
	if !CanTransition(r.Status, to) {
		return execerr.New(execerr.KindIllegalTransition,
			fmt.Sprintf("illegal transition %s -> %s for run %s", r.Status, to, r.ID))
	}
	r.Status = to
	return nil
}
