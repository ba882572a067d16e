package workerproc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Worker is the top-level driver of a single worker process: it reads
// Run/Cancel/Shutdown envelopes and drives the Engine, emitting
// Log/Progress/Result/Error/Metric/Exit in response (spec.md §4.3).
//
// The worker subprocess logs with zerolog rather than the control plane's
// logrus: the lighter-weight, allocation-conscious logger suits the hot,
// single-purpose process, while the structured/feature-rich logger stays
// on the long-lived services.
type Worker struct {
	reader   *FrameReader
	writer   *FrameWriter
	engine   *Engine
	imports  *ImportCache
	reusable bool
	log      zerolog.Logger

	mu          sync.Mutex
	currentID   string
	cancelFn    context.CancelFunc
	shutdown    bool
	inFlight    sync.WaitGroup
}

// NewWorker wires the framed pipe at (in, out) to an Engine sharing the
// given ImportCache. reusable controls whether the worker waits for
// further Run messages after completing one (pool-managed workers) or
// exits after its single assignment.
func NewWorker(in io.Reader, out io.Writer, imports *ImportCache, reusable bool, log zerolog.Logger) *Worker {
	return &Worker{
		reader:   NewFrameReader(in),
		writer:   NewFrameWriter(out),
		engine:   NewEngine(imports),
		imports:  imports,
		reusable: reusable,
		log:      log,
	}
}

// Run blocks reading envelopes until Shutdown, a clean EOF, or (for
// single-use workers) the completion of its one assignment.
func (w *Worker) Run() int {
	for {
		env, err := w.reader.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.log.Info().Msg("parent closed pipe, exiting")
				return 0
			}
			w.log.Error().Err(err).Msg("frame read failed")
			return 1
		}

		switch InKind(env.Kind) {
		case InRun:
			var p RunPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				w.log.Error().Err(err).Msg("malformed run payload")
				continue
			}
			w.inFlight.Add(1)
			go w.handleRun(p)
			if !w.reusable {
				w.inFlight.Wait()
				return 0
			}
		case InCancel:
			var p CancelPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			w.cancelIfCurrent(p.RunID)
		case InShutdown:
			w.mu.Lock()
			w.shutdown = true
			if w.cancelFn != nil {
				w.cancelFn()
			}
			w.mu.Unlock()
			w.inFlight.Wait()
			return 0
		default:
			w.log.Warn().Str("kind", env.Kind).Msg("unknown message kind")
		}
	}
}

func (w *Worker) cancelIfCurrent(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentID == runID && w.cancelFn != nil {
		w.cancelFn()
	}
}

func (w *Worker) setCurrent(runID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.currentID, w.cancelFn = runID, cancel
	w.mu.Unlock()
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	w.currentID, w.cancelFn = "", nil
	w.mu.Unlock()
}

func (w *Worker) handleRun(p RunPayload) {
	defer w.inFlight.Done()

	deadline := time.Duration(p.DeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	w.setCurrent(p.RunID, cancel)
	defer cancel()
	defer w.clearCurrent()

	w.imports.Rebind(p.OrgID)

	req := ExecutionRequest{RunID: p.RunID, OrgID: p.OrgID, Target: p.Target, Inputs: p.Inputs}
	result, err := w.engine.Execute(ctx, req, w.writer)

	if err != nil {
		exErr, ok := execerr.As(err)
		if !ok {
			exErr = execerr.Wrap(execerr.KindWorkerCrashed, "unclassified worker failure", err)
		}
		w.log.Error().Str("run_id", p.RunID).Str("kind", string(exErr.Kind)).Msg(exErr.Message)
		_ = w.writer.Error(ErrorPayload{RunID: p.RunID, Kind: exErr.Kind, Message: exErr.Message})
	} else {
		_ = w.writer.Result(ResultPayload{RunID: p.RunID, Value: result.Value, TypeTag: result.TypeTag})
	}

	_ = w.writer.Metric(MetricPayload{
		RunID:           p.RunID,
		PeakMemoryBytes: selfRSSBytes(),
		CPUSeconds:      selfCPUSeconds(),
	})

	if !w.reusable {
		code := 0
		if err != nil {
			code = 1
		}
		_ = w.writer.Exit(ExitPayload{Code: code})
	}
}

// selfRSSBytes and selfCPUSeconds give the worker a best-effort
// self-reported resource metric to attach to its own Metric message,
// independent of the pool's external RSS sampling of the same process.
func selfRSSBytes() int64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.RSS)
}

func selfCPUSeconds() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	times, err := proc.Times()
	if err != nil || times == nil {
		return 0
	}
	return times.User + times.System
}
