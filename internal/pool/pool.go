// Package pool implements the Process Pool Manager (spec.md §4.4,
// component C4): it owns a bounded set of worker processes, assigns runs
// to them, enforces wall-clock and memory limits, recovers from crashes,
// and publishes heartbeats through internal/coordination.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/coordination"
	"github.com/r3e-network/execengine/internal/workerproc"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
)

// Config mirrors the pool knobs of spec.md §6 (config.Config.Pool plus the
// worker binary location and heartbeat cadence, which the caller threads
// through from the shared engine config).
type Config struct {
	MinWorkers               int
	MaxWorkers               int
	SoftCancelGrace          time.Duration
	HardKillGrace            time.Duration
	MemoryLimitDefaultBytes  int64
	DeadlineDefault          time.Duration
	DeadlineMax              time.Duration
	QueueHighWatermark       int
	QueueHighWatermarkWindow time.Duration
	WorkerBinaryPath         string
	HeartbeatInterval        time.Duration
	HeartbeatTTL             time.Duration
	RSSPollInterval          time.Duration
}

// ExecuteRequest is the pool.execute(...) contract of spec.md §4.4.
type ExecuteRequest struct {
	RunID            string
	OrgID            string
	RequesterID      string
	Target           run.Target
	Inputs           json.RawMessage
	Deadline         time.Duration
	MemoryLimitBytes int64
	OnEvent          OnEvent
}

// TerminalEvent is what a submission's future resolves to.
type TerminalEvent struct {
	Status    run.Status
	Result    json.RawMessage
	TypeTag   string
	Err       *execerr.Error
	Resources run.ResourceUsage
}

type queuedSubmission struct {
	req ExecuteRequest
	out chan TerminalEvent
}

// Pool is the C4 process pool manager for one logical worker class.
type Pool struct {
	id           string
	cfg          Config
	workerEnv    []string
	workerStderr io.Writer
	heartbeats   *coordination.HeartbeatRegistry
	log          *logger.Logger

	mu                 sync.Mutex
	workers            map[string]*workerHandle
	idle               []string
	queue              []*queuedSubmission
	draining           bool
	overWatermarkSince time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a pool. Call Start to spawn the minimum worker set and
// begin heartbeat renewal.
func New(cfg Config, workerEnv []string, workerStderr io.Writer, heartbeats *coordination.HeartbeatRegistry, log *logger.Logger) *Pool {
	if cfg.RSSPollInterval <= 0 {
		cfg.RSSPollInterval = time.Second
	}
	return &Pool{
		id:           uuid.NewString(),
		cfg:          cfg,
		workerEnv:    workerEnv,
		workerStderr: workerStderr,
		heartbeats:   heartbeats,
		log:          log,
		workers:      make(map[string]*workerHandle),
		stopCh:       make(chan struct{}),
	}
}

// Start spawns min_workers and begins the heartbeat renewal loop
// (spec.md §4.4 Heartbeats: pool and each worker renew at a fixed
// interval).
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		h, err := spawnWorker(p)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pool: spawn initial worker: %w", err)
		}
		p.workers[h.rec.ID] = h
		p.idle = append(p.idle, h.rec.ID)
		p.wg.Add(1)
		go p.watchExit(h)
	}
	p.mu.Unlock()

	if p.heartbeats != nil {
		p.wg.Add(1)
		go p.heartbeatLoop(ctx)
	}
	return nil
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.heartbeats.Renew(ctx, "pool:"+p.id, p.cfg.HeartbeatTTL)
			p.mu.Lock()
			ids := make([]string, 0, len(p.workers))
			for id := range p.workers {
				ids = append(ids, id)
			}
			p.mu.Unlock()
			for _, id := range ids {
				_ = p.heartbeats.Renew(ctx, "worker:"+id, p.cfg.HeartbeatTTL)
			}
		}
	}
}

// Execute assigns req to an idle worker, spawning one up to max_workers or
// enqueueing it, per the assignment algorithm in spec.md §4.4.
func (p *Pool) Execute(ctx context.Context, req ExecuteRequest) (<-chan TerminalEvent, error) {
	if req.Deadline <= 0 || req.Deadline > p.cfg.DeadlineMax {
		req.Deadline = p.cfg.DeadlineDefault
	}
	if req.MemoryLimitBytes <= 0 {
		req.MemoryLimitBytes = p.cfg.MemoryLimitDefaultBytes
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, execerr.New(execerr.KindOverloaded, "pool is draining")
	}

	h := p.popIdleLocked()
	if h != nil {
		p.mu.Unlock()
		out := make(chan TerminalEvent, 1)
		p.dispatch(h, req, out)
		return out, nil
	}

	if len(p.workers) < p.cfg.MaxWorkers {
		p.mu.Unlock()
		nh, err := spawnWorker(p)
		if err != nil {
			return nil, execerr.Wrap(execerr.KindWorkerCrashed, "spawn worker failed", err)
		}
		p.mu.Lock()
		p.workers[nh.rec.ID] = nh
		p.wg.Add(1)
		go p.watchExit(nh)
		p.mu.Unlock()
		out := make(chan TerminalEvent, 1)
		p.dispatch(nh, req, out)
		return out, nil
	}

	if len(p.queue) >= p.cfg.QueueHighWatermark {
		if p.overWatermarkSince.IsZero() {
			p.overWatermarkSince = time.Now()
		}
		if time.Since(p.overWatermarkSince) > p.cfg.QueueHighWatermarkWindow {
			p.mu.Unlock()
			return nil, execerr.New(execerr.KindOverloaded, "pool queue depth exceeded watermark")
		}
	} else {
		p.overWatermarkSince = time.Time{}
	}

	out := make(chan TerminalEvent, 1)
	p.queue = append(p.queue, &queuedSubmission{req: req, out: out})
	p.mu.Unlock()
	return out, nil
}

func (p *Pool) popIdleLocked() *workerHandle {
	for len(p.idle) > 0 {
		id := p.idle[0]
		p.idle = p.idle[1:]
		if h, ok := p.workers[id]; ok {
			return h
		}
	}
	return nil
}

func (p *Pool) dispatch(h *workerHandle, req ExecuteRequest, out chan TerminalEvent) {
	deadlineAt := time.Now().Add(req.Deadline)
	a := &assignment{
		runID: req.RunID,
		payload: workerproc.RunPayload{
			RunID:            req.RunID,
			OrgID:            req.OrgID,
			RequesterID:      req.RequesterID,
			Target:           req.Target,
			Inputs:           req.Inputs,
			DeadlineMS:       req.Deadline.Milliseconds(),
			MemoryLimitBytes: req.MemoryLimitBytes,
		},
		onEvent:    req.OnEvent,
		resultCh:   make(chan terminalResult, 1),
		deadlineAt: deadlineAt,
		memLimit:   req.MemoryLimitBytes,
	}

	if err := h.send(a); err != nil {
		h.clearAssignment()
		out <- TerminalEvent{Status: run.StatusFailed, Err: execerr.Wrap(execerr.KindWorkerCrashed, "send run to worker failed", err)}
		close(out)
		p.returnWorker(h)
		return
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	go h.watchDeadline(watchCtx, a, p.cfg.SoftCancelGrace, p.cfg.HardKillGrace)
	go p.watchMemory(watchCtx, h, a)

	go func() {
		defer cancelWatch()
		select {
		case tr := <-a.resultCh:
			out <- TerminalEvent{Status: tr.status, Result: tr.result, TypeTag: tr.typeTag, Err: tr.execErr, Resources: tr.resources}
		case <-h.exited:
			out <- TerminalEvent{Status: run.StatusFailed, Err: execerr.New(execerr.KindWorkerCrashed, "worker exited before producing a terminal event")}
		}
		close(out)
		h.clearAssignment()
		p.returnWorker(h)
	}()
}

// watchMemory polls the child's RSS and treats an overage as a
// timeout-style escalation (spec.md §4.4 Memory enforcement).
func (p *Pool) watchMemory(ctx context.Context, h *workerHandle, a *assignment) {
	ticker := time.NewTicker(p.cfg.RSSPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss := h.sampleRSS()
			h.mu.Lock()
			if rss > h.rec.PeakRSSBytes {
				h.rec.PeakRSSBytes = rss
			}
			h.mu.Unlock()
			if a.memLimit > 0 && rss > a.memLimit {
				h.finish(a, terminalResult{
					status:    run.StatusFailed,
					execErr:   execerr.New(execerr.KindMemoryLimit, "worker exceeded memory limit").WithDetail("peak_rss_bytes", rss),
					resources: run.ResourceUsage{PeakMemoryBytes: rss},
				})
				h.escalateKill(p.cfg.HardKillGrace)
				return
			}
		}
	}
}

func (p *Pool) returnWorker(h *workerHandle) {
	p.mu.Lock()
	if p.draining || h.terminated {
		p.mu.Unlock()
		return
	}
	if next := p.popQueuedLocked(); next != nil {
		p.mu.Unlock()
		p.dispatch(h, next.req, next.out)
		return
	}
	p.idle = append(p.idle, h.rec.ID)
	p.mu.Unlock()
}

func (p *Pool) popQueuedLocked() *queuedSubmission {
	if len(p.queue) == 0 {
		return nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next
}

// ID returns this pool's instance id, the value the dispatcher records as
// a run's pool_owner for the scheduler's stuck-run sweep (spec.md §4.7).
func (p *Pool) ID() string { return p.id }

// Cancel looks up the worker currently running runID and asks it to
// interrupt (spec.md §4.5 Cancellation handling calls into this).
func (p *Pool) Cancel(runID, reason string) bool {
	p.mu.Lock()
	var target *workerHandle
	for _, h := range p.workers {
		h.mu.Lock()
		if h.current != nil && h.current.runID == runID {
			target = h
		}
		h.mu.Unlock()
		if target != nil {
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return false
	}
	return target.cancel(reason) == nil
}

// Stats reports the pool.stats() contract of spec.md §4.4.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.idle)
	return Stats{
		WorkersTotal: len(p.workers),
		WorkersIdle:  idle,
		WorkersBusy:  len(p.workers) - idle,
		QueueDepth:   len(p.queue),
	}
}

// watchExit performs crash recovery (spec.md §4.4 Crash recovery) when a
// worker process exits outside of a graceful Shutdown.
func (p *Pool) watchExit(h *workerHandle) {
	defer p.wg.Done()
	<-h.exited

	h.mu.Lock()
	graceful := h.terminated
	a := h.current
	h.mu.Unlock()

	p.mu.Lock()
	delete(p.workers, h.rec.ID)
	for i, id := range p.idle {
		if id == h.rec.ID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	needsReplacement := !p.draining && (len(p.workers) < p.cfg.MinWorkers || len(p.queue) > 0)
	p.mu.Unlock()

	if !graceful && a != nil {
		h.finish(a, terminalResult{
			status:  run.StatusFailed,
			execErr: execerr.New(execerr.KindWorkerCrashed, "worker process exited unexpectedly"),
		})
	}

	if p.heartbeats != nil {
		_ = p.heartbeats.Unregister(context.Background(), "worker:"+h.rec.ID)
	}

	if needsReplacement {
		nh, err := spawnWorker(p)
		if err != nil {
			p.log.WithError(err).Error("pool: failed to replace crashed worker")
			return
		}
		p.mu.Lock()
		p.workers[nh.rec.ID] = nh
		p.wg.Add(1)
		go p.watchExit(nh)
		p.mu.Unlock()
		p.returnWorker(nh)
	}
}

// Shutdown stops accepting new work, waits up to grace for in-flight runs
// to finish, then terminates remaining workers (spec.md §4.4 shutdown). It
// returns the aggregate of every worker's termination error, if any.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	workers := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		workers = append(workers, h)
	}
	p.mu.Unlock()
	close(p.stopCh)

	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-deadline:
			break wait
		case <-ticker.C:
			if p.Stats().WorkersBusy == 0 {
				break wait
			}
		}
	}

	var errs *multierror.Error
	for _, h := range workers {
		if err := h.terminate(); err != nil {
			errs = multierror.Append(errs, err)
		}
		select {
		case <-h.exited:
		case <-time.After(p.cfg.HardKillGrace):
			h.escalateKill(p.cfg.HardKillGrace)
		}
	}
	p.wg.Wait()
	return errs.ErrorOrNil()
}
