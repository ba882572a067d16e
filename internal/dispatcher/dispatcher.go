// Package dispatcher implements the Execution Dispatcher (spec.md §4.5,
// component C5): the glue between the durable queue, the pool manager, the
// stream multiplexer, and the run registry.
package dispatcher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/internal/pool"
	"github.com/r3e-network/execengine/internal/queue"
	"github.com/r3e-network/execengine/internal/registry"
	"github.com/r3e-network/execengine/internal/stream"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/r3e-network/execengine/pkg/logger"
)

// Pool is the subset of *pool.Pool the dispatcher drives, narrowed to an
// interface so it can be driven by a fake in unit tests.
type Pool interface {
	Execute(ctx context.Context, req pool.ExecuteRequest) (<-chan pool.TerminalEvent, error)
	Cancel(runID, reason string) bool
	ID() string
}

// Config mirrors spec.md §4.5's retry/admission knobs: an exponential
// backoff with a multiplier, cap, and jitter fraction.
type Config struct {
	PollInterval    time.Duration
	MaxRedeliveries int

	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitter       float64

	// AdmissionPerOrgRPS <= 0 disables admission control (spec.md §4.5
	// "the default is unlimited").
	AdmissionPerOrgRPS float64
	AdmissionBurst     int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 5
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = 2.0
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.1
	}
}

// Dispatcher is the C5 execution dispatcher.
type Dispatcher struct {
	cfg      Config
	queue    queue.Queue
	registry registry.Store
	pool     Pool
	mux      *stream.Multiplexer
	log      *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, q queue.Queue, reg registry.Store, p Pool, mux *stream.Multiplexer, log *logger.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{cfg: cfg, queue: q, registry: reg, pool: p, mux: mux, log: log, limiters: make(map[string]*rate.Limiter)}
}

// Run polls the queue until ctx is cancelled, dispatching each claimed
// message to handle on its own goroutine (spec.md §4.5 steps 1-7).
func (d *Dispatcher) Run(ctx context.Context, lockOwner string) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				msg, err := d.queue.Dequeue(ctx, lockOwner)
				if err != nil {
					d.log.WithError(err).Warn("dispatcher: dequeue failed")
					break
				}
				if msg == nil {
					break
				}
				go d.handle(ctx, *msg)
			}
		}
	}
}

// handle implements the per-message contract of spec.md §4.5.
func (d *Dispatcher) handle(ctx context.Context, msg queue.Message) {
	log := d.log.ForRun(msg.RunID, msg.OrgID)

	rec, err := d.registry.Get(ctx, msg.RunID)
	if err != nil {
		log.WithError(err).Warn("dispatcher: registry lookup failed, will redeliver")
		d.nackWithBackoff(ctx, msg, err)
		return
	}
	if rec == nil {
		log.Warn("dispatcher: queue message referenced an unknown run, dropping")
		_ = d.queue.Ack(ctx, msg.RunID)
		return
	}
	if rec.Status.IsTerminal() {
		_ = d.queue.Ack(ctx, msg.RunID)
		return
	}

	if !d.admit(rec.OrgID) {
		if err := d.queue.Nack(ctx, msg.RunID, d.cfg.RetryInitialDelay); err != nil {
			log.WithError(err).Warn("dispatcher: nack for admission backpressure failed")
		}
		return
	}

	if err := d.registry.AssignPool(ctx, msg.RunID, d.pool.ID()); err != nil {
		log.WithError(err).Warn("dispatcher: assign_pool failed")
	}
	if err := d.registry.TransitionStatus(ctx, msg.RunID, run.StatusRunning); err != nil {
		log.WithError(err).Warn("dispatcher: transition to Running failed")
		d.nackWithBackoff(ctx, msg, err)
		return
	}

	resultCh, err := d.pool.Execute(ctx, pool.ExecuteRequest{
		RunID:            rec.ID,
		OrgID:            rec.OrgID,
		RequesterID:      rec.RequesterID,
		Target:           rec.Target,
		Inputs:           rec.Inputs,
		Deadline:         time.Duration(rec.DeadlineMS) * time.Millisecond,
		MemoryLimitBytes: rec.MemoryLimitBytes,
		OnEvent:          d.forwardEvents(rec.ID),
	})
	if err != nil {
		d.handlePoolSubmitError(ctx, msg, err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case term := <-resultCh:
		d.finish(ctx, msg, term)
	}
}

// forwardEvents returns the OnEvent callback wired to the multiplexer,
// matching spec.md §4.5 step 5 "forward every worker event to the
// multiplexer tagged with the run id".
func (d *Dispatcher) forwardEvents(runID string) pool.OnEvent {
	return func(ev pool.Event) {
		ctx := context.Background()
		switch ev.Kind {
		case pool.EventLog:
			if ev.Log != nil {
				_ = d.mux.Log(ctx, runID, ev.Log.Severity, ev.Log.Source, ev.Log.Message, ev.Log.Data)
			}
		case pool.EventProgress:
			if ev.Progress != nil {
				d.mux.Progress(ctx, runID, ev.Progress.Phase, ev.Progress.Fields)
			}
		case pool.EventMetric:
			// Peak memory/CPU accounting rides the pool.TerminalEvent.Resources
			// field instead; metric events are observability-only here.
		}
	}
}

// handlePoolSubmitError classifies a pool.Execute rejection: Overloaded is
// infrastructure-level and retried, everything else is unexpected and also
// retried with backoff rather than silently dropped.
func (d *Dispatcher) handlePoolSubmitError(ctx context.Context, msg queue.Message, err error) {
	d.log.WithError(err).WithField("run_id", msg.RunID).Warn("dispatcher: pool rejected submission")
	if execErr, ok := execerr.As(err); ok && execErr.Kind == execerr.KindOverloaded {
		d.nackWithBackoff(ctx, msg, err)
		return
	}
	d.nackWithBackoff(ctx, msg, err)
}

// finish writes the terminal outcome to the registry, flushes it through
// the multiplexer, and acks the queue message (spec.md §4.5 steps 6-7).
func (d *Dispatcher) finish(ctx context.Context, msg queue.Message, term pool.TerminalEvent) {
	log := d.log.ForRun(msg.RunID, msg.OrgID)

	if err := d.registry.TransitionStatus(ctx, msg.RunID, term.Status); err != nil {
		log.WithError(err).Warn("dispatcher: terminal transition failed")
	}
	if err := d.registry.RecordOutcome(ctx, msg.RunID, term.Result, term.Err, term.Resources); err != nil {
		log.WithError(err).Warn("dispatcher: record_outcome failed")
	}
	if err := d.mux.Terminal(ctx, msg.RunID, term.Status, term.Result, term.Err); err != nil {
		log.WithError(err).Warn("dispatcher: multiplexer terminal flush failed")
	}

	_ = d.queue.Ack(ctx, msg.RunID)
}

// nackWithBackoff redelivers the message with exponential backoff, or
// marks the run Undeliverable once the redelivery bound is exceeded
// (spec.md §4.5 Retries).
func (d *Dispatcher) nackWithBackoff(ctx context.Context, msg queue.Message, cause error) {
	if msg.AttemptCount+1 >= d.cfg.MaxRedeliveries {
		d.log.WithField("run_id", msg.RunID).Warn("dispatcher: redelivery bound exceeded, marking Undeliverable")
		undeliverable := execerr.Wrap(execerr.KindUndeliverable, "exceeded maximum redelivery attempts", cause)
		if err := d.registry.TransitionStatus(ctx, msg.RunID, run.StatusFailed); err != nil {
			d.log.WithError(err).Warn("dispatcher: undeliverable transition failed")
		}
		if err := d.registry.RecordOutcome(ctx, msg.RunID, nil, undeliverable, run.ResourceUsage{}); err != nil {
			d.log.WithError(err).Warn("dispatcher: undeliverable outcome write failed")
		}
		_ = d.mux.Terminal(ctx, msg.RunID, run.StatusFailed, nil, undeliverable)
		_ = d.queue.Ack(ctx, msg.RunID)
		return
	}

	delay := backoffDelay(msg.AttemptCount, d.cfg)
	if err := d.queue.Nack(ctx, msg.RunID, delay); err != nil {
		d.log.WithError(err).Warn("dispatcher: nack failed")
	}
}

// backoffDelay computes an exponential-backoff-with-jitter redelivery
// delay rather than looping an in-process retry.
func backoffDelay(attempt int, cfg Config) time.Duration {
	delay := cfg.RetryInitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.RetryMultiplier)
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter <= 0 {
		return delay
	}
	jitterRange := float64(delay) * cfg.RetryJitter
	return delay + time.Duration(rand.Float64()*jitterRange*2-jitterRange)
}

// admit applies the optional per-org concurrency/rate quota (spec.md §4.5
// Admission). A zero AdmissionPerOrgRPS disables admission control.
func (d *Dispatcher) admit(orgID string) bool {
	if d.cfg.AdmissionPerOrgRPS <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[orgID]
	if !ok {
		burst := d.cfg.AdmissionBurst
		if burst <= 0 {
			burst = int(d.cfg.AdmissionPerOrgRPS * 2)
		}
		lim = rate.NewLimiter(rate.Limit(d.cfg.AdmissionPerOrgRPS), burst)
		d.limiters[orgID] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

// Cancel implements spec.md §4.5 Cancellation handling: stamp the
// registry, then ask the owning pool to interrupt the worker. This engine
// binds one dispatcher to one in-process pool, so "the owning pool" is
// always the pool this dispatcher holds; a multi-pool-instance deployment
// would resolve ownership through the heartbeat registry keyed by a
// per-run pool assignment instead (see DESIGN.md).
func (d *Dispatcher) Cancel(ctx context.Context, runID, reason string) error {
	if err := d.registry.CancelRequest(ctx, runID, reason); err != nil {
		return err
	}
	if err := d.registry.TransitionStatus(ctx, runID, run.StatusCancelling); err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.WithError(err).WithField("run_id", runID).Warn("dispatcher: Cancelling transition rejected, run may already be terminal")
		}
	}
	if !d.pool.Cancel(runID, reason) {
		d.log.WithField("run_id", runID).Debug("dispatcher: cancel requested for a run with no assigned worker")
	}
	return nil
}
