package workerproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/pkg/execerr"
)

// ExecutionRequest is the in-process form of RunPayload, already decoded.
type ExecutionRequest struct {
	RunID  string
	OrgID  string
	Target run.Target
	Inputs json.RawMessage
}

// ExecutionResult is what Engine.Execute returns on success.
type ExecutionResult struct {
	Value   json.RawMessage
	TypeTag string
}

// Events receives the Log/Progress emissions an executing script makes
// through its SDK handle, tagged with the run id for correlation
// (spec.md §4.3 step 3).
type Events interface {
	Log(p LogPayload) error
	Progress(p ProgressPayload) error
}

// Engine runs one target function per call inside a fresh goja runtime: a
// new VM per execution for isolation, a console shim, and a JSON
// round-trip to normalize the return value.
type Engine struct {
	imports *ImportCache
}

func NewEngine(imports *ImportCache) *Engine {
	return &Engine{imports: imports}
}

// Execute compiles the target's source, invokes its entry function with
// req.Inputs, and returns the exported result. The supplied context
// governs cooperative cancellation: a goroutine watches ctx.Done and
// raises a goja interrupt at the next safe suspension point (spec.md §4.3
// Cancellation).
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest, ev Events) (*ExecutionResult, error) {
	source, entryPoint, err := e.resolveTarget(ctx, req.Target)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	var seq uint64

	logFn := func(severity logrecord.Severity, msg string, data map[string]any) {
		n := atomic.AddUint64(&seq, 1)
		_ = ev.Log(LogPayload{
			RunID:     req.RunID,
			Sequence:  n,
			Severity:  severity,
			Source:    logrecord.SourceUser,
			Message:   msg,
			Timestamp: time.Now(),
			Data:      data,
		})
	}

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		logFn(logrecord.SeverityInfo, joinArgs(call.Arguments), nil)
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		logFn(logrecord.SeverityError, joinArgs(call.Arguments), nil)
		return goja.Undefined()
	})
	_ = console.Set("warn", func(call goja.FunctionCall) goja.Value {
		logFn(logrecord.SeverityWarn, joinArgs(call.Arguments), nil)
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	sdk := vm.NewObject()
	_ = sdk.Set("log", func(call goja.FunctionCall) goja.Value {
		var data map[string]any
		msg := ""
		if len(call.Arguments) > 0 {
			msg = call.Arguments[0].String()
		}
		if len(call.Arguments) > 1 {
			if m, ok := call.Arguments[1].Export().(map[string]any); ok {
				data = m
			}
		}
		logFn(logrecord.SeverityInfo, msg, data)
		return goja.Undefined()
	})
	_ = sdk.Set("progress", func(call goja.FunctionCall) goja.Value {
		phase := ""
		if len(call.Arguments) > 0 {
			phase = call.Arguments[0].String()
		}
		var fields map[string]any
		if len(call.Arguments) > 1 {
			if m, ok := call.Arguments[1].Export().(map[string]any); ok {
				fields = m
			}
		}
		_ = ev.Progress(ProgressPayload{RunID: req.RunID, Phase: phase, Fields: fields})
		return goja.Undefined()
	})
	_ = vm.Set("sdk", sdk)

	_ = vm.Set("require", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("require: missing module path"))
		}
		path := call.Arguments[0].String()
		src, err := e.imports.Resolve(ctx, path)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		modObj := vm.NewObject()
		exportsObj := vm.NewObject()
		_ = modObj.Set("exports", exportsObj)
		wrapped := "(function(module, exports, require) {\n" + string(src) + "\n})"
		fn, err := vm.RunString(wrapped)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("require: compile %s: %v", path, err)))
		}
		call2, ok := goja.AssertFunction(fn)
		if !ok {
			panic(vm.ToValue("require: module wrapper is not callable"))
		}
		if _, err := call2(goja.Undefined(), modObj, exportsObj, vm.Get("require")); err != nil {
			panic(vm.ToValue(fmt.Sprintf("require: execute %s: %v", path, err)))
		}
		return modObj.Get("exports")
	})

	var inputVal any
	if len(req.Inputs) > 0 {
		_ = json.Unmarshal(req.Inputs, &inputVal)
	}
	_ = vm.Set("input", vm.ToValue(inputVal))

	interrupted := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(interrupted)
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	if _, err := vm.RunString(string(source)); err != nil {
		return nil, classifyScriptError(err)
	}

	fnVal := vm.Get(entryPoint)
	entry, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, execerr.New(execerr.KindUserCodeFailure, "entry point '"+entryPoint+"' is not a function")
	}

	resultVal, err := entry(goja.Undefined(), vm.Get("input"))
	if err != nil {
		select {
		case <-interrupted:
			return nil, execerr.New(execerr.KindCancelled, "execution interrupted")
		default:
			return nil, classifyScriptError(err)
		}
	}

	return exportResult(resultVal)
}

func (e *Engine) resolveTarget(ctx context.Context, t run.Target) (source []byte, entryPoint string, err error) {
	if t.InlineCode != "" {
		return []byte(t.InlineCode), t.FunctionName, nil
	}
	if t.ModulePath == "" {
		return nil, "", execerr.New(execerr.KindUserCodeFailure, "target has neither module path nor inline code")
	}
	src, err := e.imports.Resolve(ctx, t.ModulePath)
	if err != nil {
		return nil, "", err
	}
	return src, t.FunctionName, nil
}

func exportResult(v goja.Value) (*ExecutionResult, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &ExecutionResult{Value: json.RawMessage("null"), TypeTag: "null"}, nil
	}
	exported := v.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindUserCodeFailure, "result is not JSON-serializable", err)
	}
	return &ExecutionResult{Value: raw, TypeTag: fmt.Sprintf("%T", exported)}, nil
}

func classifyScriptError(err error) error {
	if exErr, ok := err.(*goja.Exception); ok {
		return execerr.Wrap(execerr.KindUserCodeFailure, exErr.Error(), err)
	}
	return execerr.Wrap(execerr.KindUserCodeFailure, err.Error(), err)
}

func joinArgs(args []goja.Value) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a.String()
	}
	return out
}
