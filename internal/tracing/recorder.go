// Package tracing records transfers with the runtime flight recorder so a
// slow fetch or store can be inspected after the fact with `go tool trace`.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer.
const DefaultBufferSize = 10 * 1024 * 1024

var (
	recorder *trace.FlightRecorder
	mu       sync.Mutex
	enabled  bool
)

// ErrNotEnabled is returned by Snapshot while recording is off.
var ErrNotEnabled = errors.New("tracing not enabled")

// Init starts or disables the flight recorder. bufferSize <= 0 uses
// DefaultBufferSize.
func Init(enable bool, bufferSize int) error {
	mu.Lock()
	defer mu.Unlock()

	if !enable {
		enabled = false
		return nil
	}
	if enabled {
		return nil
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	recorder = trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(bufferSize),
	})
	if err := recorder.Start(); err != nil {
		recorder = nil
		return err
	}
	enabled = true
	return nil
}

// Enabled reports whether transfers are being recorded.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// Snapshot writes the current trace window to w.
func Snapshot(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	if !enabled || recorder == nil {
		return ErrNotEnabled
	}
	_, err := recorder.WriteTo(w)
	return err
}

// Stop stops recording. It is safe to call more than once.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if recorder != nil {
		recorder.Stop()
		recorder = nil
	}
	enabled = false
}

// Handler serves the current trace window as a download.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !Enabled() {
			http.Error(w, ErrNotEnabled.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="casmesh-%s.trace"`, time.Now().UTC().Format("20060102T150405Z")))
		if err := Snapshot(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// Span is one traced transfer. The zero Span is a no-op.
type Span struct {
	task *trace.Task
	ctx  context.Context
}

// StartTransfer opens a trace task for a fetch or store of key when recording
// is on.
func StartTransfer(ctx context.Context, kind, key string) Span {
	if !Enabled() {
		return Span{}
	}
	ctx, task := trace.NewTask(ctx, kind)
	trace.Log(ctx, "key", key)
	return Span{task: task, ctx: ctx}
}

// Traced reports whether the span is being recorded.
func (s Span) Traced() bool { return s.task != nil }

// Log records a message on the span.
func (s Span) Log(category, message string) {
	if s.task != nil {
		trace.Log(s.ctx, category, message)
	}
}

// End closes the span.
func (s Span) End() {
	if s.task != nil {
		s.task.End()
	}
}
