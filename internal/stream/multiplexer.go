package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/coordination"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
	"github.com/tidwall/gjson"
)

// Config mirrors spec.md §6's multiplexer knobs.
type Config struct {
	BatchMaxRecords      int
	BatchMaxInterval     time.Duration
	PerRunLogBufferBytes int
	ResultPreviewBytes   int
}

// Metrics are the Prometheus counters backing batch/drop observability for
// this long-running subsystem.
type Metrics struct {
	BatchesFlushed prometheus.Counter
	RecordsDropped prometheus.Counter
	PublishErrors  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{Name: "execengine_multiplexer_batches_flushed_total"}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{Name: "execengine_multiplexer_records_dropped_total"}),
		PublishErrors:  prometheus.NewCounter(prometheus.CounterOpts{Name: "execengine_multiplexer_publish_errors_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.BatchesFlushed, m.RecordsDropped, m.PublishErrors)
	}
	return m
}

// Publisher is the subset of coordination.Bus the multiplexer needs,
// kept as an interface so it can be exercised with a fake in unit tests
// without a live redis.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Multiplexer is the C6 stream multiplexer.
type Multiplexer struct {
	cfg      Config
	registry registry.Store
	bus      Publisher
	log      *logger.Logger
	metrics  *Metrics

	mu      sync.Mutex
	buffers map[string]*runBuffer
}

func NewMultiplexer(cfg Config, reg registry.Store, bus Publisher, log *logger.Logger, metrics *Metrics) *Multiplexer {
	if cfg.BatchMaxRecords <= 0 {
		cfg.BatchMaxRecords = 64
	}
	if cfg.BatchMaxInterval <= 0 {
		cfg.BatchMaxInterval = 200 * time.Millisecond
	}
	if cfg.PerRunLogBufferBytes <= 0 {
		cfg.PerRunLogBufferBytes = 1 << 20
	}
	if cfg.ResultPreviewBytes <= 0 {
		cfg.ResultPreviewBytes = 4096
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Multiplexer{cfg: cfg, registry: reg, bus: bus, log: log, metrics: metrics, buffers: make(map[string]*runBuffer)}
}

// runBuffer accumulates one run's log records until a batching threshold
// fires (spec.md §4.6 Batching: N records or T milliseconds, whichever
// first).
type runBuffer struct {
	mu           sync.Mutex
	runID        string
	nextSeq      uint64
	pending      []logrecord.Record
	pendingBytes int
	droppedCount int
	timer        *time.Timer
}

func (m *Multiplexer) bufferFor(runID string) *runBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[runID]
	if !ok {
		b = &runBuffer{runID: runID, nextSeq: 1}
		m.buffers[runID] = b
	}
	return b
}

func recordSize(r logrecord.Record) int {
	return len(r.Message) + 64
}

// Log appends a system/user log line, assigning the next gap-free
// sequence number for the run (spec.md invariant 1). Over-large buffers
// drop the incoming record and note it in droppedCount; the drop is made
// visible via a truncation marker record on the next flush.
func (m *Multiplexer) Log(ctx context.Context, runID string, severity logrecord.Severity, source logrecord.Source, message string, data map[string]any) error {
	b := m.bufferFor(runID)
	b.mu.Lock()

	rec := logrecord.Record{RunID: runID, Sequence: b.nextSeq, Severity: severity, Source: source, Message: message, Timestamp: time.Now(), Data: data}
	size := recordSize(rec)

	if b.pendingBytes+size > m.cfg.PerRunLogBufferBytes {
		b.droppedCount++
		m.metrics.RecordsDropped.Inc()
		b.mu.Unlock()
		return nil
	}

	b.nextSeq++
	b.pending = append(b.pending, rec)
	b.pendingBytes += size

	shouldFlush := len(b.pending) >= m.cfg.BatchMaxRecords
	if !shouldFlush && b.timer == nil {
		b.timer = time.AfterFunc(m.cfg.BatchMaxInterval, func() { m.flush(context.Background(), runID) })
	}
	b.mu.Unlock()

	if shouldFlush {
		return m.flush(ctx, runID)
	}
	return nil
}

// Progress publishes a live ProgressAdvanced event. Progress is not a Log
// Record and is not persisted (spec.md §3 only defines durability for log
// records); it is fire-and-forget like all of C2's pub/sub.
func (m *Multiplexer) Progress(ctx context.Context, runID, phase string, fields map[string]any) {
	m.publish(ctx, runID, SubscriberMessage{Kind: KindProgressAdvanced, Progress: &ProgressAdvanced{Phase: phase, Fields: fields}})
}

// Terminal force-flushes any buffered logs, then publishes exactly one
// Terminal message (spec.md §4.6 "a terminal event forces an immediate
// flush"; §6 "exactly one Terminal{...} for terminal runs").
func (m *Multiplexer) Terminal(ctx context.Context, runID string, status run.Status, result json.RawMessage, runErr *execerr.Error) error {
	if err := m.flush(ctx, runID); err != nil {
		m.log.WithError(err).WithField("run_id", runID).Warn("log flush failed ahead of terminal publish")
	}

	term := &Terminal{Status: string(status), Error: runErr}
	if len(result) > 0 {
		term.ResultPreview = previewResult(result, m.cfg.ResultPreviewBytes)
	}
	m.publish(ctx, runID, SubscriberMessage{Kind: KindTerminal, Terminal: term})

	m.mu.Lock()
	delete(m.buffers, runID)
	m.mu.Unlock()
	return nil
}

// previewResult uses gjson to build a preview string of at most maxBytes
// plus a "...(truncated)" suffix, without fully deserializing the
// (potentially large) result payload. A truncated object or array preview
// is cut mid-document and is not valid JSON.
func previewResult(result json.RawMessage, maxBytes int) string {
	if len(result) <= maxBytes {
		return gjson.ParseBytes(result).Raw
	}
	parsed := gjson.ParseBytes(result)
	if parsed.IsObject() || parsed.IsArray() {
		s := parsed.Raw
		if len(s) > maxBytes {
			return s[:maxBytes] + "...(truncated)"
		}
		return s
	}
	s := parsed.String()
	if len(s) > maxBytes {
		s = s[:maxBytes] + "...(truncated)"
	}
	return s
}

// flush persists the run's pending batch and publishes each record live.
// A persistence failure is reported as a classified, non-terminal error
// (spec.md §4.6 Backpressure: "persistence failing is fatal for that
// run's streaming") without losing the run's other progress.
func (m *Multiplexer) flush(ctx context.Context, runID string) error {
	b := m.bufferFor(runID)
	b.mu.Lock()
	if len(b.pending) == 0 && b.droppedCount == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	if b.droppedCount > 0 {
		batch = append(batch, logrecord.Truncated(runID, b.nextSeq, b.droppedCount))
		b.nextSeq++
		b.droppedCount = 0
	}
	b.pending = nil
	b.pendingBytes = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if err := m.registry.AppendLogs(ctx, batch); err != nil {
		return execerr.Wrap(execerr.KindLogPersistenceDegraded, "append_logs failed for run "+runID, err)
	}
	m.metrics.BatchesFlushed.Inc()

	for _, rec := range batch {
		m.publish(ctx, runID, SubscriberMessage{Kind: KindLogAppended, Log: &LogAppended{
			Sequence: rec.Sequence, Severity: rec.Severity, Source: rec.Source,
			Timestamp: rec.Timestamp, Message: rec.Message, Data: rec.Data,
		}})
	}
	return nil
}

func (m *Multiplexer) publish(ctx context.Context, runID string, msg SubscriberMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, coordination.RunChannel(runID), payload); err != nil {
		m.metrics.PublishErrors.Inc()
		m.log.WithError(err).WithField("run_id", runID).Warn("pub/sub publish failed, persistence unaffected")
	}
}
