package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/pool"
	"github.com/r3e-network/execengine/internal/queue"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/internal/stream"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu     sync.Mutex
	acked  []string
	nacked map[string]time.Duration
}

func newFakeQueue() *fakeQueue { return &fakeQueue{nacked: make(map[string]time.Duration)} }

func (q *fakeQueue) Enqueue(ctx context.Context, msg queue.Message) error { return nil }
func (q *fakeQueue) Dequeue(ctx context.Context, lockOwner string) (*queue.Message, error) {
	return nil, nil
}
func (q *fakeQueue) Ack(ctx context.Context, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, runID)
	return nil
}
func (q *fakeQueue) Nack(ctx context.Context, runID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked[runID] = delay
	return nil
}

type fakeRegistry struct {
	mu          sync.Mutex
	runs        map[string]*run.Run
	transitions []run.Status
	outcomes    int
}

func newFakeRegistry(r *run.Run) *fakeRegistry {
	return &fakeRegistry{runs: map[string]*run.Run{r.ID: r}}
}

func (f *fakeRegistry) Create(ctx context.Context, r *run.Run) error { return nil }
func (f *fakeRegistry) TransitionStatus(ctx context.Context, runID string, to run.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, to)
	if r, ok := f.runs[runID]; ok {
		r.Status = to
	}
	return nil
}
func (f *fakeRegistry) AppendLogs(ctx context.Context, batch []logrecord.Record) error { return nil }
func (f *fakeRegistry) RecordOutcome(ctx context.Context, runID string, result []byte, runErr *execerr.Error, resources run.ResourceUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes++
	return nil
}
func (f *fakeRegistry) Get(ctx context.Context, runID string) (*run.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID], nil
}
func (f *fakeRegistry) List(ctx context.Context, filters registry.ListFilters) ([]run.Run, error) {
	return nil, nil
}
func (f *fakeRegistry) CancelRequest(ctx context.Context, runID, reason string) error { return nil }
func (f *fakeRegistry) AssignPool(ctx context.Context, runID, poolID string) error    { return nil }
func (f *fakeRegistry) ListLogs(ctx context.Context, runID string, fromSequence uint64) ([]logrecord.Record, error) {
	return nil, nil
}

type fakePool struct {
	executeFn func(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error)
	cancelled []string
}

func (p *fakePool) Execute(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error) {
	return p.executeFn(ctx, req)
}
func (p *fakePool) Cancel(runID, reason string) bool {
	p.cancelled = append(p.cancelled, runID)
	return true
}
func (p *fakePool) ID() string { return "pool-test" }

type fakePublisher struct{}

func (fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func newTestDispatcher(t *testing.T, rec *run.Run, executeFn func(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error)) (*Dispatcher, *fakeQueue, *fakeRegistry, *fakePool) {
	t.Helper()
	q := newFakeQueue()
	reg := newFakeRegistry(rec)
	p := &fakePool{executeFn: executeFn}
	mux := stream.NewMultiplexer(stream.Config{}, reg, fakePublisher{}, logger.NewDefault(), nil)
	d := New(Config{MaxRedeliveries: 3, RetryInitialDelay: time.Millisecond, RetryMaxDelay: 10 * time.Millisecond}, q, reg, p, mux, logger.NewDefault())
	return d, q, reg, p
}

func TestHandleAcksAlreadyTerminalRun(t *testing.T) {
	rec := &run.Run{ID: "run-1", OrgID: "org-a", Status: run.StatusSuccess}
	d, q, _, p := newTestDispatcher(t, rec, func(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error) {
		t.Fatal("pool should not be invoked for a terminal run")
		return nil, nil
	})
	_ = p

	d.handle(context.Background(), queue.Message{RunID: "run-1", OrgID: "org-a"})
	require.Equal(t, []string{"run-1"}, q.acked)
}

func TestHandleRunsToSuccessAndAcks(t *testing.T) {
	rec := &run.Run{ID: "run-2", OrgID: "org-a", Status: run.StatusPending, DeadlineMS: 1000}
	result, _ := json.Marshal(map[string]any{"ok": true})

	d, q, reg, _ := newTestDispatcher(t, rec, func(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error) {
		ch := make(chan pool.TerminalEvent, 1)
		ch <- pool.TerminalEvent{Status: run.StatusSuccess, Result: result}
		return ch, nil
	})

	d.handle(context.Background(), queue.Message{RunID: "run-2", OrgID: "org-a"})

	require.Equal(t, []string{"run-2"}, q.acked)
	require.Equal(t, 1, reg.outcomes)
	require.Contains(t, reg.transitions, run.StatusRunning)
	require.Contains(t, reg.transitions, run.StatusSuccess)
}

func TestHandleNacksOnOverloaded(t *testing.T) {
	rec := &run.Run{ID: "run-3", OrgID: "org-a", Status: run.StatusPending}
	d, q, _, _ := newTestDispatcher(t, rec, func(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error) {
		return nil, execerr.New(execerr.KindOverloaded, "pool is full")
	})

	d.handle(context.Background(), queue.Message{RunID: "run-3", OrgID: "org-a", AttemptCount: 0})

	require.Empty(t, q.acked)
	require.Contains(t, q.nacked, "run-3")
}

func TestHandleMarksUndeliverableAfterMaxRedeliveries(t *testing.T) {
	rec := &run.Run{ID: "run-4", OrgID: "org-a", Status: run.StatusPending}
	d, q, reg, _ := newTestDispatcher(t, rec, func(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error) {
		return nil, execerr.New(execerr.KindOverloaded, "pool is full")
	})

	d.handle(context.Background(), queue.Message{RunID: "run-4", OrgID: "org-a", AttemptCount: 2})

	require.Equal(t, []string{"run-4"}, q.acked)
	require.NotContains(t, q.nacked, "run-4")
	require.Contains(t, reg.transitions, run.StatusFailed)
}

func TestCancelStampsCancellingAndCallsPool(t *testing.T) {
	rec := &run.Run{ID: "run-5", OrgID: "org-a", Status: run.StatusRunning}
	d, _, reg, p := newTestDispatcher(t, rec, nil)

	require.NoError(t, d.Cancel(context.Background(), "run-5", "user requested"))
	require.Contains(t, reg.transitions, run.StatusCancelling)
	require.Equal(t, []string{"run-5"}, p.cancelled)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := Config{RetryInitialDelay: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryMultiplier: 2, RetryJitter: 0}
	require.Equal(t, 100*time.Millisecond, backoffDelay(0, cfg))
	require.Equal(t, 200*time.Millisecond, backoffDelay(1, cfg))
	require.Equal(t, 400*time.Millisecond, backoffDelay(2, cfg))
	require.LessOrEqual(t, backoffDelay(10, cfg), time.Second)
}
