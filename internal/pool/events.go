package pool

import "github.com/r3e-network/execengine/internal/workerproc"

// EventKind discriminates the union in Event.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
	EventMetric   EventKind = "metric"
)

// Event is delivered to a caller's OnEvent callback for every worker
// emission during execute, in submission order per run (spec.md §4.4
// "on_event" contract).
type Event struct {
	Kind     EventKind
	Log      *workerproc.LogPayload
	Progress *workerproc.ProgressPayload
	Metric   *workerproc.MetricPayload
}

// OnEvent is invoked for every Log/Progress/Metric a worker emits while
// running the caller's submission.
type OnEvent func(Event)

// Stats mirrors the pool.stats() contract of spec.md §4.4.
type Stats struct {
	WorkersTotal int
	WorkersIdle  int
	WorkersBusy  int
	QueueDepth   int
}
