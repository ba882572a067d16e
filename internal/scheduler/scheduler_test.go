package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/queue"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.Message
}

func (q *fakeQueue) Enqueue(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, msg)
	return nil
}
func (q *fakeQueue) Dequeue(ctx context.Context, lockOwner string) (*queue.Message, error) {
	return nil, nil
}
func (q *fakeQueue) Ack(ctx context.Context, runID string) error                 { return nil }
func (q *fakeQueue) Nack(ctx context.Context, runID string, d time.Duration) error { return nil }

func (q *fakeQueue) snapshot() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Message, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

type fakeRegistry struct {
	mu          sync.Mutex
	created     []run.Run
	byStatus    map[run.Status][]run.Run
	transitions []string
	outcomes    []run.Status
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{byStatus: make(map[run.Status][]run.Run)} }

func (f *fakeRegistry) Create(ctx context.Context, r *run.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *r)
	return nil
}
func (f *fakeRegistry) TransitionStatus(ctx context.Context, runID string, to run.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, runID+"->"+string(to))
	return nil
}
func (f *fakeRegistry) AppendLogs(ctx context.Context, batch []logrecord.Record) error { return nil }
func (f *fakeRegistry) RecordOutcome(ctx context.Context, runID string, result []byte, runErr *execerr.Error, resources run.ResourceUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runErr != nil {
		f.outcomes = append(f.outcomes, run.Status(runErr.Kind))
	}
	return nil
}
func (f *fakeRegistry) Get(ctx context.Context, runID string) (*run.Run, error) { return nil, nil }
func (f *fakeRegistry) List(ctx context.Context, filters registry.ListFilters) ([]run.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byStatus[filters.Status], nil
}
func (f *fakeRegistry) CancelRequest(ctx context.Context, runID, reason string) error { return nil }
func (f *fakeRegistry) AssignPool(ctx context.Context, runID, poolID string) error    { return nil }
func (f *fakeRegistry) ListLogs(ctx context.Context, runID string, fromSequence uint64) ([]logrecord.Record, error) {
	return nil, nil
}

type fakeDelayed struct {
	mu    sync.Mutex
	due   []DelayedRun
	fired []string
}

func (f *fakeDelayed) Schedule(ctx context.Context, runID, orgID string, fireAt time.Time) error {
	return nil
}
func (f *fakeDelayed) DueSince(ctx context.Context, now time.Time) ([]DelayedRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := f.due
	f.due = nil
	return due, nil
}
func (f *fakeDelayed) MarkFired(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, runID)
	return nil
}

func TestFireCronDueEnqueuesAndAdvances(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{}
	s, err := New(Config{TickInterval: time.Second}, []CatalogEntry{
		{WorkflowID: "wf-1", CronExpr: "* * * * *", OrgID: "org-a"},
	}, nil, reg, q, nil, logger.NewDefault())
	require.NoError(t, err)

	past := time.Now().Add(-500 * time.Millisecond)
	s.entries[0].nextFire = past

	s.fireCronDue(context.Background(), time.Now())

	require.Len(t, q.snapshot(), 1)
	require.Len(t, reg.created, 1)
	require.Equal(t, "wf-1", reg.created[0].Target.WorkflowID)
	require.True(t, s.entries[0].nextFire.After(past))
}

func TestFireCronDueSkipsStaleFiringsPastTolerance(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{}
	s, err := New(Config{TickInterval: time.Second}, []CatalogEntry{
		{WorkflowID: "wf-1", CronExpr: "* * * * *", OrgID: "org-a"},
	}, nil, reg, q, nil, logger.NewDefault())
	require.NoError(t, err)

	s.entries[0].nextFire = time.Now().Add(-time.Hour)
	s.fireCronDue(context.Background(), time.Now())

	require.Empty(t, q.snapshot(), "a firing more than one tick behind should not replay")
}

func TestFireDelayedDueEnqueuesAndMarksFired(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{}
	delayed := &fakeDelayed{due: []DelayedRun{{RunID: "run-9", OrgID: "org-a"}}}
	s, err := New(Config{}, nil, delayed, reg, q, nil, logger.NewDefault())
	require.NoError(t, err)

	s.fireDelayedDue(context.Background(), time.Now())

	require.Len(t, q.snapshot(), 1)
	require.Equal(t, "run-9", q.snapshot()[0].RunID)
	require.Equal(t, []string{"run-9"}, delayed.fired)
}

// TestSweepStuckRunsSkipsRunsWithNoAssignedPool covers the one branch of
// sweepStuckRuns that doesn't require a live heartbeats client: runs not
// yet stamped with a pool owner are left alone rather than misclassified.
// The heartbeat-expired branch needs a real redis-backed
// coordination.HeartbeatRegistry and has no test here; internal/coordination's
// lock_test.go covers HeartbeatRegistry itself against a live redis.
func TestSweepStuckRunsSkipsRunsWithNoAssignedPool(t *testing.T) {
	reg := newFakeRegistry()
	reg.byStatus[run.StatusRunning] = []run.Run{{ID: "run-1", PoolOwner: ""}}
	q := &fakeQueue{}
	s, err := New(Config{}, nil, nil, reg, q, nil, logger.NewDefault())
	require.NoError(t, err)

	s.sweepStuckRuns(context.Background())
	require.Empty(t, reg.transitions)
}
