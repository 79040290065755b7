package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// WriterSink is the default Sink: it appends each flushed batch to w as
// newline-delimited JSON. Safe for the single background flush goroutine
// Log.Run drives; the mutex only guards against a caller also flushing
// manually (e.g. in tests) while Run is active.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a Sink appending to w (typically an os.File opened
// for append, or stdout in a container deployment that ships logs
// elsewhere).
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// WriteEvents appends each event as its own JSON line.
func (s *WriterSink) WriteEvents(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		b, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("auditlog: marshal event: %w", err)
		}
		if _, err := s.w.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("auditlog: write event: %w", err)
		}
	}
	return nil
}
