package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
	"github.com/stretchr/testify/require"
)

// fakePublisher records every published channel/payload pair instead of
// touching redis, so Multiplexer can be exercised without a live C2 bus.
type fakePublisher struct {
	mu        sync.Mutex
	published []SubscriberMessage
	failNext  bool
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return context.DeadlineExceeded
	}
	var msg SubscriberMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) snapshot() []SubscriberMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SubscriberMessage, len(p.published))
	copy(out, p.published)
	return out
}

// fakeRegistry is a minimal in-memory registry.Store covering only what
// the multiplexer calls (AppendLogs), mirroring modulestore's memDurableStore
// fake-for-unit-tests pattern.
type fakeRegistry struct {
	mu           sync.Mutex
	appended     []logrecord.Record
	failAppend   bool
}

func (f *fakeRegistry) Create(ctx context.Context, r *run.Run) error { return nil }
func (f *fakeRegistry) TransitionStatus(ctx context.Context, runID string, to run.Status) error {
	return nil
}

func (f *fakeRegistry) AppendLogs(ctx context.Context, batch []logrecord.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return context.DeadlineExceeded
	}
	f.appended = append(f.appended, batch...)
	return nil
}

func (f *fakeRegistry) RecordOutcome(ctx context.Context, runID string, result []byte, runErr *execerr.Error, resources run.ResourceUsage) error {
	return nil
}
func (f *fakeRegistry) Get(ctx context.Context, runID string) (*run.Run, error) { return nil, nil }
func (f *fakeRegistry) List(ctx context.Context, filters registry.ListFilters) ([]run.Run, error) {
	return nil, nil
}
func (f *fakeRegistry) CancelRequest(ctx context.Context, runID, reason string) error { return nil }
func (f *fakeRegistry) AssignPool(ctx context.Context, runID, poolID string) error    { return nil }
func (f *fakeRegistry) ListLogs(ctx context.Context, runID string, fromSequence uint64) ([]logrecord.Record, error) {
	return nil, nil
}

func newTestMultiplexer(cfg Config) (*Multiplexer, *fakeRegistry, *fakePublisher) {
	reg := &fakeRegistry{}
	pub := &fakePublisher{}
	mux := NewMultiplexer(cfg, reg, pub, logger.NewDefault(), nil)
	return mux, reg, pub
}

func TestLogFlushesOnBatchThreshold(t *testing.T) {
	mux, reg, pub := newTestMultiplexer(Config{BatchMaxRecords: 2, BatchMaxInterval: time.Hour})

	require.NoError(t, mux.Log(context.Background(), "run-1", logrecord.SeverityInfo, logrecord.SourceUser, "one", nil))
	require.Len(t, reg.appended, 0, "first record shouldn't flush below threshold")

	require.NoError(t, mux.Log(context.Background(), "run-1", logrecord.SeverityInfo, logrecord.SourceUser, "two", nil))
	require.Len(t, reg.appended, 2, "second record crosses the batch threshold")
	require.Equal(t, uint64(1), reg.appended[0].Sequence)
	require.Equal(t, uint64(2), reg.appended[1].Sequence)

	published := pub.snapshot()
	require.Len(t, published, 2)
	require.Equal(t, KindLogAppended, published[0].Kind)
}

func TestLogFlushesOnTimer(t *testing.T) {
	mux, reg, _ := newTestMultiplexer(Config{BatchMaxRecords: 1000, BatchMaxInterval: 20 * time.Millisecond})

	require.NoError(t, mux.Log(context.Background(), "run-1", logrecord.SeverityInfo, logrecord.SourceUser, "one", nil))
	require.Empty(t, reg.appended)

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.appended) == 1
	}, time.Second, 5*time.Millisecond, "interval timer should flush the pending record")
}

func TestLogDropsAndMarksTruncationOnBufferOverflow(t *testing.T) {
	mux, reg, _ := newTestMultiplexer(Config{BatchMaxRecords: 1000, BatchMaxInterval: time.Hour, PerRunLogBufferBytes: 80})

	for i := 0; i < 5; i++ {
		require.NoError(t, mux.Log(context.Background(), "run-1", logrecord.SeverityInfo, logrecord.SourceUser, "this message is long enough to fill the buffer", nil))
	}
	require.NoError(t, mux.Terminal(context.Background(), "run-1", run.StatusSuccess, nil, nil))

	require.NotEmpty(t, reg.appended)
	last := reg.appended[len(reg.appended)-1]
	require.Equal(t, logrecord.SourceSystem, last.Source)
	require.Equal(t, "log output truncated", last.Message)
	require.NotZero(t, last.Data["dropped_count"])
}

func TestTerminalForceFlushesAndPublishesExactlyOneTerminalMessage(t *testing.T) {
	mux, reg, pub := newTestMultiplexer(Config{BatchMaxRecords: 1000, BatchMaxInterval: time.Hour})

	require.NoError(t, mux.Log(context.Background(), "run-1", logrecord.SeverityInfo, logrecord.SourceUser, "hello", nil))
	require.Empty(t, reg.appended)

	result, err := json.Marshal(map[string]any{"ok": true})
	require.NoError(t, err)
	require.NoError(t, mux.Terminal(context.Background(), "run-1", run.StatusSuccess, result, nil))

	require.Len(t, reg.appended, 1, "terminal forces the pending log out")

	terminals := 0
	for _, msg := range pub.snapshot() {
		if msg.Kind == KindTerminal {
			terminals++
			require.Equal(t, string(run.StatusSuccess), msg.Terminal.Status)
			require.Contains(t, msg.Terminal.ResultPreview, "true")
		}
	}
	require.Equal(t, 1, terminals)
}

func TestFlushReturnsLogPersistenceDegradedOnAppendFailure(t *testing.T) {
	mux, reg, _ := newTestMultiplexer(Config{BatchMaxRecords: 1, BatchMaxInterval: time.Hour})
	reg.failAppend = true

	err := mux.Log(context.Background(), "run-1", logrecord.SeverityInfo, logrecord.SourceUser, "one", nil)
	require.Error(t, err)
	execErr, ok := execerr.As(err)
	require.True(t, ok)
	require.Equal(t, execerr.KindLogPersistenceDegraded, execErr.Kind)
}

func TestPreviewResultTruncatesOversizedPayloads(t *testing.T) {
	small, err := json.Marshal(map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, previewResult(small, 4096))

	big := make(map[string]string, 1)
	big["blob"] = string(make([]byte, 500))
	payload, err := json.Marshal(big)
	require.NoError(t, err)

	preview := previewResult(payload, 32)
	require.LessOrEqual(t, len(preview), 32+len("...(truncated)"))
	require.Contains(t, preview, "...(truncated)")
}

func TestProgressPublishesWithoutPersisting(t *testing.T) {
	mux, reg, pub := newTestMultiplexer(Config{})

	mux.Progress(context.Background(), "run-1", "fetching", map[string]any{"pct": 50})

	require.Empty(t, reg.appended)
	published := pub.snapshot()
	require.Len(t, published, 1)
	require.Equal(t, KindProgressAdvanced, published[0].Kind)
	require.Equal(t, "fetching", published[0].Progress.Phase)
}
