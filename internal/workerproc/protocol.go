// Package workerproc implements the Worker Process (spec.md §4.3, component
// C3): a child process that reads framed messages from its parent over a
// private pipe, executes one run in a goja sandbox, and writes framed
// events back.
package workerproc

import (
	"encoding/json"
	"time"

	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/pkg/execerr"
)

// InKind enumerates the message kinds a worker accepts, per spec.md §4.3.
type InKind string

const (
	InRun      InKind = "run"
	InCancel   InKind = "cancel"
	InShutdown InKind = "shutdown"
)

// OutKind enumerates the message kinds a worker emits, per spec.md §4.3.
type OutKind string

const (
	OutLog      OutKind = "log"
	OutProgress OutKind = "progress"
	OutResult   OutKind = "result"
	OutError    OutKind = "error"
	OutMetric   OutKind = "metric"
	OutExit     OutKind = "exit"
)

// Envelope is the wire frame: a kind discriminator plus a raw payload
// decoded once the kind is known, so the pipe reader never has to guess
// the shape up front.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunPayload carries everything the worker needs to execute one run
// without further round-trips to the dispatcher (spec.md §4.3 Run message).
type RunPayload struct {
	RunID            string          `json:"run_id"`
	OrgID            string          `json:"org_id"`
	RequesterID      string          `json:"requester_id"`
	Target           run.Target      `json:"target"`
	Inputs           json.RawMessage `json:"inputs"`
	DeadlineMS       int64           `json:"deadline_ms"`
	MemoryLimitBytes int64           `json:"memory_limit_bytes"`
}

// CancelPayload asks the worker to interrupt the run in progress.
type CancelPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// LogPayload mirrors domain/logrecord.Record for wire transport.
type LogPayload struct {
	RunID     string              `json:"run_id"`
	Sequence  uint64              `json:"sequence"`
	Severity  logrecord.Severity  `json:"severity"`
	Source    logrecord.Source    `json:"source"`
	Message   string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
	Data      map[string]any      `json:"data,omitempty"`
}

// ProgressPayload reports a named phase transition with free-form fields,
// the SDK-routed side-effect channel spec.md §4.3 step 3 describes.
type ProgressPayload struct {
	RunID  string         `json:"run_id"`
	Phase  string         `json:"phase"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ResultPayload carries the user function's return value, JSON-encoded,
// tagged with a coarse type so the dispatcher can decide how to store it.
type ResultPayload struct {
	RunID   string          `json:"run_id"`
	Value   json.RawMessage `json:"value"`
	TypeTag string          `json:"type_tag"`
}

// ErrorPayload carries a classified failure (spec.md §7 error kinds).
type ErrorPayload struct {
	RunID     string       `json:"run_id"`
	Kind      execerr.Kind `json:"kind"`
	Message   string       `json:"message"`
	Traceback string       `json:"traceback,omitempty"`
}

// MetricPayload reports resource usage observed by the worker itself.
type MetricPayload struct {
	RunID           string  `json:"run_id"`
	PeakMemoryBytes int64   `json:"peak_memory_bytes"`
	CPUSeconds      float64 `json:"cpu_seconds"`
}

// ExitPayload is the final message a single-use worker sends before its
// process exits.
type ExitPayload struct {
	Code int `json:"code"`
}

func encodePayload(kind string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}
