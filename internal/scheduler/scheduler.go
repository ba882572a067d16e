// Package scheduler implements the Scheduler (spec.md §4.7, component
// C7): cron triggers, delayed "run at T" submissions, and the stuck-run
// sweep, built around a context-cancelled ticker goroutine joined by a
// WaitGroup-backed Stop.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/coordination"
	"github.com/r3e-network/execengine/internal/queue"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Config mirrors spec.md §4.7's tick/sweep knobs.
type Config struct {
	TickInterval time.Duration
	StuckSweep   time.Duration
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.StuckSweep <= 0 {
		c.StuckSweep = 60 * time.Second
	}
}

// entryState tracks one catalog entry's next scheduled fire time across
// ticks, seeded in Start instead of firing immediately so a restart
// never replays historical firings (spec.md §4.7 "skip firings whose
// scheduled time is more than one tick behind").
type entryState struct {
	entry    CatalogEntry
	schedule cron.Schedule
	nextFire time.Time
}

// Scheduler is the C7 scheduler.
type Scheduler struct {
	cfg      Config
	delayed  DelayedStore
	registry registry.Store
	queue    queue.Queue
	heartbeats *coordination.HeartbeatRegistry
	log      *logger.Logger

	mu      sync.Mutex
	entries []*entryState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, catalog []CatalogEntry, delayed DelayedStore, reg registry.Store, q queue.Queue, heartbeats *coordination.HeartbeatRegistry, log *logger.Logger) (*Scheduler, error) {
	cfg.setDefaults()
	entries := make([]*entryState, 0, len(catalog))
	for _, e := range catalog {
		sched, err := parseSchedule(e.CronExpr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &entryState{entry: e, schedule: sched})
	}
	return &Scheduler{cfg: cfg, delayed: delayed, registry: reg, queue: q, heartbeats: heartbeats, log: log, entries: entries}, nil
}

// Start begins the tick and stuck-run-sweep loops. It returns once both
// goroutines are running; Stop joins them.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	now := time.Now()
	s.mu.Lock()
	for _, st := range s.entries {
		st.nextFire = st.schedule.Next(now)
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop(runCtx)
	go s.stuckSweepLoop(runCtx)
	s.log.Info("scheduler started")
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.fireCronDue(ctx, now)
			s.fireDelayedDue(ctx, now)
		}
	}
}

// fireCronDue enqueues every catalog entry whose next fire time has
// arrived, within one tick's tolerance; entries further behind than that
// are advanced without firing so a long-stopped engine does not replay a
// backlog of missed firings on restart.
func (s *Scheduler) fireCronDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*entryState, 0)
	for _, st := range s.entries {
		if !st.nextFire.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		if now.Sub(st.nextFire) <= s.cfg.TickInterval {
			if err := s.enqueueRun(ctx, st.entry.OrgID, st.entry.RequesterID, run.Target{WorkflowID: st.entry.WorkflowID}, st.entry.DefaultInputs); err != nil {
				s.log.WithError(err).WithField("workflow_id", st.entry.WorkflowID).Warn("scheduler: cron enqueue failed")
			}
		} else {
			s.log.WithField("workflow_id", st.entry.WorkflowID).Warn("scheduler: skipping stale cron firing after restart")
		}
		s.mu.Lock()
		st.nextFire = st.schedule.Next(now)
		s.mu.Unlock()
	}
}

func (s *Scheduler) fireDelayedDue(ctx context.Context, now time.Time) {
	if s.delayed == nil {
		return
	}
	due, err := s.delayed.DueSince(ctx, now)
	if err != nil {
		s.log.WithError(err).Warn("scheduler: delayed sweep failed")
		return
	}
	for _, d := range due {
		if err := s.queue.Enqueue(ctx, queue.Message{RunID: d.RunID, OrgID: d.OrgID, EnqueuedAt: now}); err != nil {
			s.log.WithError(err).WithField("run_id", d.RunID).Warn("scheduler: delayed enqueue failed")
			continue
		}
		if err := s.delayed.MarkFired(ctx, d.RunID); err != nil {
			s.log.WithError(err).WithField("run_id", d.RunID).Warn("scheduler: mark fired failed")
		}
	}
}

// enqueueRun creates a fresh Run record for a cron firing and enqueues it,
// the same path a caller submitting a run through the API would take.
func (s *Scheduler) enqueueRun(ctx context.Context, orgID, requesterID string, target run.Target, inputs map[string]any) error {
	id := uuid.NewString()
	payload, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	r := &run.Run{
		ID:          id,
		OrgID:       orgID,
		RequesterID: requesterID,
		Target:      target,
		Inputs:      payload,
		EnqueuedAt:  time.Now(),
		Status:      run.StatusPending,
	}
	if err := s.registry.Create(ctx, r); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, queue.Message{RunID: id, OrgID: orgID, EnqueuedAt: r.EnqueuedAt})
}

func (s *Scheduler) stuckSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StuckSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStuckRuns(ctx)
		}
	}
}

// sweepStuckRuns implements spec.md §4.7 "Stuck-run sweep": any run still
// Running or Cancelling whose owning pool's heartbeat has expired is
// declared lost.
func (s *Scheduler) sweepStuckRuns(ctx context.Context) {
	for _, status := range []run.Status{run.StatusRunning, run.StatusCancelling} {
		runs, err := s.registry.List(ctx, registry.ListFilters{Status: status})
		if err != nil {
			s.log.WithError(err).Warn("scheduler: stuck-run list failed")
			continue
		}
		for _, r := range runs {
			if r.PoolOwner == "" {
				continue
			}
			alive, err := s.heartbeats.IsAlive(ctx, "pool:"+r.PoolOwner)
			if err != nil {
				s.log.WithError(err).WithField("run_id", r.ID).Warn("scheduler: heartbeat check failed")
				continue
			}
			if alive {
				continue
			}
			s.log.WithField("run_id", r.ID).WithField("pool_owner", r.PoolOwner).Warn("scheduler: pool heartbeat expired, marking run lost")
			lost := execerr.New(execerr.KindWorkerLost, "owning pool's heartbeat expired")
			if err := s.registry.TransitionStatus(ctx, r.ID, run.StatusFailed); err != nil {
				s.log.WithError(err).WithField("run_id", r.ID).Warn("scheduler: WorkerLost transition failed")
				continue
			}
			if err := s.registry.RecordOutcome(ctx, r.ID, nil, lost, r.Resources); err != nil {
				s.log.WithError(err).WithField("run_id", r.ID).Warn("scheduler: WorkerLost outcome write failed")
			}
		}
	}
}
