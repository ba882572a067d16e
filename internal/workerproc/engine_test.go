package workerproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/pkg/execerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	modules map[string]struct {
		content []byte
		hash    string
	}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{modules: make(map[string]struct {
		content []byte
		hash    string
	})}
}

func (f *fakeResolver) put(path, hash, content string) {
	f.modules[path] = struct {
		content []byte
		hash    string
	}{content: []byte(content), hash: hash}
}

func (f *fakeResolver) Get(ctx context.Context, orgID, path string) ([]byte, string, bool) {
	m, ok := f.modules[path]
	if !ok {
		return nil, "", false
	}
	return m.content, m.hash, true
}

type recordingEvents struct {
	logs      []LogPayload
	progress  []ProgressPayload
}

func (r *recordingEvents) Log(p LogPayload) error           { r.logs = append(r.logs, p); return nil }
func (r *recordingEvents) Progress(p ProgressPayload) error { r.progress = append(r.progress, p); return nil }

func TestEngineExecuteInlineCodeReturnsResult(t *testing.T) {
	resolver := newFakeResolver()
	imports := NewImportCache(resolver, "")
	engine := NewEngine(imports)

	req := ExecutionRequest{
		RunID:  "run-1",
		Target: run.Target{InlineCode: `function handler(input) { return { doubled: input.n * 2 }; }`, FunctionName: "handler"},
		Inputs: json.RawMessage(`{"n": 21}`),
	}

	result, err := engine.Execute(context.Background(), req, &recordingEvents{})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Value, &out))
	assert.Equal(t, float64(42), out["doubled"])
}

func TestEngineExecuteRoutesConsoleLogToEvents(t *testing.T) {
	resolver := newFakeResolver()
	imports := NewImportCache(resolver, "")
	engine := NewEngine(imports)
	events := &recordingEvents{}

	req := ExecutionRequest{
		RunID:  "run-2",
		Target: run.Target{InlineCode: `function handler(input) { console.log("hello"); sdk.progress("step1", {done: true}); return 1; }`, FunctionName: "handler"},
	}

	_, err := engine.Execute(context.Background(), req, events)
	require.NoError(t, err)
	require.Len(t, events.logs, 1)
	assert.Equal(t, "hello", events.logs[0].Message)
	require.Len(t, events.progress, 1)
	assert.Equal(t, "step1", events.progress[0].Phase)
}

func TestEngineExecuteLoadsModuleByPath(t *testing.T) {
	resolver := newFakeResolver()
	resolver.put("utils/math", "hash1", `function handler(input) { return input + 1; }`)
	imports := NewImportCache(resolver, "")
	engine := NewEngine(imports)

	req := ExecutionRequest{
		RunID:  "run-3",
		Target: run.Target{ModulePath: "utils/math", FunctionName: "handler"},
		Inputs: json.RawMessage(`5`),
	}

	result, err := engine.Execute(context.Background(), req, &recordingEvents{})
	require.NoError(t, err)
	assert.Equal(t, "6", string(result.Value))
}

func TestEngineExecuteUnknownImportIsClassifiedDenied(t *testing.T) {
	resolver := newFakeResolver()
	imports := NewImportCache(resolver, "")
	engine := NewEngine(imports)

	req := ExecutionRequest{
		RunID:  "run-4",
		Target: run.Target{ModulePath: "does/not/exist", FunctionName: "handler"},
	}

	_, err := engine.Execute(context.Background(), req, &recordingEvents{})
	require.Error(t, err)
	exErr, ok := execerr.As(err)
	require.True(t, ok)
	assert.Equal(t, execerr.KindImportDenied, exErr.Kind)
}

func TestEngineExecuteRespectsContextCancellation(t *testing.T) {
	resolver := newFakeResolver()
	imports := NewImportCache(resolver, "")
	engine := NewEngine(imports)

	req := ExecutionRequest{
		RunID: "run-5",
		Target: run.Target{
			InlineCode:   `function handler(input) { while (true) {} }`,
			FunctionName: "handler",
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := engine.Execute(ctx, req, &recordingEvents{})
	require.Error(t, err)
	exErr, ok := execerr.As(err)
	require.True(t, ok)
	assert.Equal(t, execerr.KindCancelled, exErr.Kind)
}
