package workerproc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single frame to guard against a corrupt or
// adversarial length prefix driving an unbounded allocation.
const maxFrameBytes = 64 << 20

// FrameWriter writes length-prefixed JSON frames. Safe for concurrent use:
// Log/Progress/Metric emissions from the SDK callback and the final
// Result/Error/Exit from the run loop all share one underlying pipe.
type FrameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

func (fw *FrameWriter) WriteEnvelope(e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("workerproc: marshal envelope: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(body); err != nil {
		return err
	}
	return fw.w.Flush()
}

func (fw *FrameWriter) writeKind(kind string, payload any) error {
	env, err := encodePayload(kind, payload)
	if err != nil {
		return err
	}
	return fw.WriteEnvelope(env)
}

func (fw *FrameWriter) Log(p LogPayload) error           { return fw.writeKind(string(OutLog), p) }
func (fw *FrameWriter) Progress(p ProgressPayload) error { return fw.writeKind(string(OutProgress), p) }
func (fw *FrameWriter) Result(p ResultPayload) error     { return fw.writeKind(string(OutResult), p) }
func (fw *FrameWriter) Error(p ErrorPayload) error       { return fw.writeKind(string(OutError), p) }
func (fw *FrameWriter) Metric(p MetricPayload) error     { return fw.writeKind(string(OutMetric), p) }
func (fw *FrameWriter) Exit(p ExitPayload) error         { return fw.writeKind(string(OutExit), p) }

// Parent-side send methods: the pool manager writes these to a worker's
// stdin using the same framing the worker itself reads with FrameReader.
func (fw *FrameWriter) SendRun(p RunPayload) error       { return fw.writeKind(string(InRun), p) }
func (fw *FrameWriter) SendCancel(p CancelPayload) error { return fw.writeKind(string(InCancel), p) }
func (fw *FrameWriter) SendShutdown() error              { return fw.writeKind(string(InShutdown), struct{}{}) }

// FrameReader reads length-prefixed JSON frames emitted by FrameWriter.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadEnvelope blocks until a full frame is available, io.EOF on a clean
// close, or an error on a malformed frame.
func (fr *FrameReader) ReadEnvelope() (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return Envelope{}, fmt.Errorf("workerproc: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("workerproc: unmarshal envelope: %w", err)
	}
	return env, nil
}
