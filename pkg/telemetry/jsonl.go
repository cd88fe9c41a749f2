package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogRecorder writes one JSON line per record to an io.Writer. Lines are
// whole or absent: the marshal happens outside the lock, the write inside it.
type LogRecorder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogRecorder writes to w, or os.Stdout when w is nil.
func NewLogRecorder(w io.Writer) *LogRecorder {
	if w == nil {
		w = os.Stdout
	}
	return &LogRecorder{w: w}
}

func (l *LogRecorder) Observe(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: marshal record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("telemetry: write record: %w", err)
	}
	return nil
}
