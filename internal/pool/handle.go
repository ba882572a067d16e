package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/r3e-network/execengine/domain/run"
	domainworker "github.com/r3e-network/execengine/domain/worker"
	"github.com/r3e-network/execengine/internal/workerproc"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/shirou/gopsutil/v3/process"
)

// assignment is the in-flight work handed to a worker by execute(); its
// resultCh receives exactly one terminalResult.
type assignment struct {
	runID      string
	payload    workerproc.RunPayload
	onEvent    OnEvent
	resultCh   chan terminalResult
	deadlineAt time.Time
	memLimit   int64
}

type terminalResult struct {
	status    run.Status
	result    json.RawMessage
	typeTag   string
	execErr   *execerr.Error
	resources run.ResourceUsage
}

// workerHandle owns one OS child process and the pipe to it.
type workerHandle struct {
	rec *domainworker.Worker

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *workerproc.FrameWriter
	reader *workerproc.FrameReader

	pool *Pool

	mu         sync.Mutex
	current    *assignment
	exited     chan struct{}
	exitErr    error
	terminated bool
}

func spawnWorker(p *Pool) (*workerHandle, error) {
	cmd := exec.Command(p.cfg.WorkerBinaryPath)
	cmd.Env = p.workerEnv

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdout pipe: %w", err)
	}
	cmd.Stderr = p.workerStderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start worker: %w", err)
	}

	h := &workerHandle{
		rec: &domainworker.Worker{
			ID:         uuid.NewString(),
			PoolID:     p.id,
			State:      domainworker.StateIdle,
			LaunchedAt: time.Now(),
			PID:        cmd.Process.Pid,
		},
		cmd:    cmd,
		stdin:  stdin,
		writer: workerproc.NewFrameWriter(stdin),
		reader: workerproc.NewFrameReader(stdout),
		pool:   p,
		exited: make(chan struct{}),
	}

	go h.readLoop()
	go h.waitLoop()
	return h, nil
}

func (h *workerHandle) waitLoop() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.exited)
}

// readLoop dispatches every envelope the worker emits to the currently
// assigned run's onEvent callback, and resolves the assignment's
// resultCh on Result/Error (spec.md §4.3 emitted messages).
func (h *workerHandle) readLoop() {
	for {
		env, err := h.reader.ReadEnvelope()
		if err != nil {
			return
		}
		h.dispatch(env)
	}
}

func (h *workerHandle) dispatch(env workerproc.Envelope) {
	h.mu.Lock()
	a := h.current
	h.mu.Unlock()
	if a == nil {
		return
	}
	emit := a.onEvent
	if emit == nil {
		emit = func(Event) {}
	}

	switch workerproc.OutKind(env.Kind) {
	case workerproc.OutLog:
		var p workerproc.LogPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			emit(Event{Kind: EventLog, Log: &p})
		}
	case workerproc.OutProgress:
		var p workerproc.ProgressPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			emit(Event{Kind: EventProgress, Progress: &p})
		}
	case workerproc.OutResult:
		var p workerproc.ResultPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			h.finish(a, terminalResult{status: run.StatusSuccess, result: p.Value, typeTag: p.TypeTag})
		}
	case workerproc.OutError:
		var p workerproc.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			status := run.StatusFailed
			if p.Kind == execerr.KindTimeout {
				status = run.StatusTimeout
			} else if p.Kind == execerr.KindCancelled {
				status = run.StatusCancelled
			}
			h.finish(a, terminalResult{status: status, execErr: execerr.New(p.Kind, p.Message)})
		}
	case workerproc.OutMetric:
		var p workerproc.MetricPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			h.mu.Lock()
			if p.PeakMemoryBytes > h.rec.PeakRSSBytes {
				h.rec.PeakRSSBytes = p.PeakMemoryBytes
			}
			h.mu.Unlock()
			emit(Event{Kind: EventMetric, Metric: &p})
		}
	case workerproc.OutExit:
		// single-use worker: nothing further to deliver, waitLoop handles process reap.
	}
}

// finish delivers a's terminal result exactly once.
func (h *workerHandle) finish(a *assignment, tr terminalResult) {
	tr.resources.PeakMemoryBytes = h.rec.PeakRSSBytes
	select {
	case a.resultCh <- tr:
	default:
	}
}

// send dispatches a new run to an idle worker.
func (h *workerHandle) send(a *assignment) error {
	h.mu.Lock()
	h.current = a
	h.rec.State = domainworker.StateBusy
	h.rec.CurrentRunID = a.runID
	h.mu.Unlock()
	return h.writer.SendRun(a.payload)
}

func (h *workerHandle) cancel(reason string) error {
	h.mu.Lock()
	a := h.current
	h.mu.Unlock()
	if a == nil {
		return nil
	}
	return h.writer.SendCancel(workerproc.CancelPayload{RunID: a.runID, Reason: reason})
}

func (h *workerHandle) clearAssignment() {
	h.mu.Lock()
	h.current = nil
	h.rec.CurrentRunID = ""
	h.rec.State = domainworker.StateIdle
	h.mu.Unlock()
}

// terminate asks the worker to exit cleanly over the IPC channel and closes
// its stdin. Both failures are returned rather than discarded so Shutdown
// can aggregate them across every worker being torn down.
func (h *workerHandle) terminate() error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil
	}
	h.terminated = true
	h.mu.Unlock()

	var errs *multierror.Error
	if err := h.writer.SendShutdown(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("worker %s: send shutdown: %w", h.rec.ID, err))
	}
	if err := h.stdin.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("worker %s: close stdin: %w", h.rec.ID, err))
	}
	return errs.ErrorOrNil()
}

// escalateKill sends the platform terminate, then after a grace window
// the kill signal, as spec.md §4.4 Timeout enforcement requires.
func (h *workerHandle) escalateKill(hardGrace time.Duration) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(processTerminateSignal())
	select {
	case <-h.exited:
		return
	case <-time.After(hardGrace):
	}
	_ = h.cmd.Process.Kill()
}

// sampleRSS polls the OS for the child's current RSS; best-effort per
// spec.md §4.4 Memory enforcement.
func (h *workerHandle) sampleRSS() int64 {
	proc, err := process.NewProcess(int32(h.rec.PID))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.RSS)
}

// watchDeadline is the sole source of Timeout classification (spec.md §8:
// "a run at exactly deadline_ms is Timeout, strict"). It records the
// terminal result itself the instant the deadline fires, before asking the
// worker to interrupt — the worker's own report of the same run (typically
// Cancelled, since from inside the sandbox a deadline and an explicit
// cancel look identical) arrives after and is dropped by finish's
// first-write-wins buffering.
func (h *workerHandle) watchDeadline(ctx context.Context, a *assignment, softGrace, hardGrace time.Duration) {
	timer := time.NewTimer(time.Until(a.deadlineAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		h.finish(a, terminalResult{
			status:  run.StatusTimeout,
			execErr: execerr.New(execerr.KindTimeout, "run exceeded its deadline"),
		})
		_ = h.cancel("deadline exceeded")
		select {
		case <-ctx.Done():
		case <-time.After(softGrace):
			h.escalateKill(hardGrace)
		}
	}
}
