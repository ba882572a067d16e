package pool

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/execengine/domain/run"
	domainworker "github.com/r3e-network/execengine/domain/worker"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBareHandle builds a workerHandle with just enough state for the pure
// bookkeeping tests below; it is never started as a real OS process.
func newBareHandle(id string) *workerHandle {
	return &workerHandle{rec: &domainworker.Worker{ID: id, State: domainworker.StateIdle}}
}

func TestPopIdleLockedIsFIFO(t *testing.T) {
	p := New(Config{}, nil, nil, nil, nil)
	a, b := newBareHandle("a"), newBareHandle("b")
	p.workers[a.rec.ID] = a
	p.workers[b.rec.ID] = b
	p.idle = []string{"a", "b"}

	first := p.popIdleLocked()
	assert.Equal(t, "a", first.rec.ID)
	second := p.popIdleLocked()
	assert.Equal(t, "b", second.rec.ID)
	assert.Nil(t, p.popIdleLocked())
}

func TestPopIdleLockedSkipsRemovedWorkers(t *testing.T) {
	p := New(Config{}, nil, nil, nil, nil)
	a := newBareHandle("a")
	p.workers[a.rec.ID] = a
	p.idle = []string{"stale", "a"}

	h := p.popIdleLocked()
	assert.Equal(t, "a", h.rec.ID)
}

func TestPopQueuedLockedIsFIFO(t *testing.T) {
	p := New(Config{}, nil, nil, nil, nil)
	q1 := &queuedSubmission{req: ExecuteRequest{RunID: "run-1"}}
	q2 := &queuedSubmission{req: ExecuteRequest{RunID: "run-2"}}
	p.queue = []*queuedSubmission{q1, q2}

	first := p.popQueuedLocked()
	assert.Equal(t, "run-1", first.req.RunID)
	second := p.popQueuedLocked()
	assert.Equal(t, "run-2", second.req.RunID)
	assert.Nil(t, p.popQueuedLocked())
}

func TestStatsReflectsIdleAndBusyCounts(t *testing.T) {
	p := New(Config{}, nil, nil, nil, nil)
	a, b, c := newBareHandle("a"), newBareHandle("b"), newBareHandle("c")
	p.workers[a.rec.ID] = a
	p.workers[b.rec.ID] = b
	p.workers[c.rec.ID] = c
	p.idle = []string{"a", "b"}
	p.queue = []*queuedSubmission{{req: ExecuteRequest{RunID: "run-1"}}}

	stats := p.Stats()
	assert.Equal(t, 3, stats.WorkersTotal)
	assert.Equal(t, 2, stats.WorkersIdle)
	assert.Equal(t, 1, stats.WorkersBusy)
	assert.Equal(t, 1, stats.QueueDepth)
}

// TestWatchDeadlineRecordsTimeoutItself covers spec.md §8's strict deadline
// boundary: the pool, not the worker, must be the one to classify a
// deadline as Timeout, since a worker interrupted at its deadline can only
// ever report an ambiguous Cancelled.
func TestWatchDeadlineRecordsTimeoutItself(t *testing.T) {
	h := newBareHandle("a")
	h.exited = make(chan struct{})
	a := &assignment{
		runID:      "run-1",
		resultCh:   make(chan terminalResult, 1),
		deadlineAt: time.Now().Add(-time.Millisecond),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.watchDeadline(ctx, a, 200*time.Millisecond, time.Second)

	var tr terminalResult
	require.Eventually(t, func() bool {
		select {
		case tr = <-a.resultCh:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	cancel()

	assert.Equal(t, run.StatusTimeout, tr.status)
	require.NotNil(t, tr.execErr)
	assert.Equal(t, execerr.KindTimeout, tr.execErr.Kind)
}
