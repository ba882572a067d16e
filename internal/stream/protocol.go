// Package stream implements the Stream Multiplexer (spec.md §4.6,
// component C6): batches logs/progress from in-flight runs, persists them
// in ordered batches via the run registry, and publishes them to
// subscribers over C2 pub/sub with the live subscription protocol of
// spec.md §6.
package stream

import (
	"time"

	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/pkg/execerr"
)

// SubscriberKind discriminates the four message shapes a subscriber
// receives, per spec.md §6 "Live subscription protocol".
type SubscriberKind string

const (
	KindSnapshot          SubscriberKind = "snapshot"
	KindLogAppended       SubscriberKind = "log_appended"
	KindProgressAdvanced  SubscriberKind = "progress_advanced"
	KindTerminal          SubscriberKind = "terminal"
)

// SubscriberMessage is the envelope published on a run's channel and sent
// over the websocket duplex subscription.
type SubscriberMessage struct {
	Kind     SubscriberKind `json:"kind"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Log      *LogAppended   `json:"log,omitempty"`
	Progress *ProgressAdvanced `json:"progress,omitempty"`
	Terminal *Terminal      `json:"terminal,omitempty"`
}

// Snapshot is sent once on attach so a late subscriber can reconcile
// persisted history against the live stream.
type Snapshot struct {
	Status      string `json:"status"`
	SequenceHWM uint64 `json:"sequence_hwm"`
}

type LogAppended struct {
	Sequence  uint64              `json:"sequence"`
	Severity  logrecord.Severity  `json:"severity"`
	Source    logrecord.Source    `json:"source"`
	Timestamp time.Time           `json:"timestamp"`
	Message   string              `json:"message"`
	Data      map[string]any      `json:"data,omitempty"`
}

type ProgressAdvanced struct {
	Phase  string         `json:"phase"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Terminal carries a bounded preview of the result rather than the full
// payload, built with gjson (spec.md §6 "result_preview?").
type Terminal struct {
	Status        string         `json:"status"`
	ResultPreview string         `json:"result_preview,omitempty"`
	Error         *execerr.Error `json:"error,omitempty"`
}
