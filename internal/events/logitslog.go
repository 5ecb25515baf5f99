package events

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogitsLog appends diagnostic packets to a JSONL file. Writes are buffered
// and flushed at most once per flush interval, amortising syscalls under the
// per-decode-step emission rate. A nil *LogitsLog is a valid no-op sink.
type LogitsLog struct {
	mu         sync.Mutex
	w          *bufio.Writer
	closer     io.Closer
	flushEvery time.Duration
	lastFlush  time.Time
	now        func() time.Time
}

// OpenLogitsLog opens (appending) or creates the JSONL file at path.
// flushEvery < 0 disables periodic flushing; 0 flushes after every append.
func OpenLogitsLog(path string, flushEvery time.Duration) (*LogitsLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open logits log %q: %w", path, err)
	}
	l := NewLogitsLog(f, flushEvery)
	l.closer = f
	return l, nil
}

// NewLogitsLog wraps an arbitrary writer, for tests.
func NewLogitsLog(w io.Writer, flushEvery time.Duration) *LogitsLog {
	return &LogitsLog{
		w:          bufio.NewWriter(w),
		flushEvery: flushEvery,
		lastFlush:  time.Now(),
		now:        time.Now,
	}
}

// Append writes one packet line to the log, flushing when the interval since
// the previous flush has elapsed.
func (l *LogitsLog) Append(p Packet) error {
	if l == nil {
		return nil
	}
	line, err := Marshal(p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("events: append to logits log: %w", err)
	}
	if l.flushEvery >= 0 {
		now := l.now()
		if now.Sub(l.lastFlush) >= l.flushEvery {
			if err := l.w.Flush(); err != nil {
				return fmt.Errorf("events: flush logits log: %w", err)
			}
			l.lastFlush = now
		}
	}
	return nil
}

// Close flushes buffered lines and closes the underlying file.
func (l *LogitsLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	flushErr := l.w.Flush()
	if l.closer != nil {
		if err := l.closer.Close(); err != nil {
			return fmt.Errorf("events: close logits log: %w", err)
		}
	}
	if flushErr != nil {
		return fmt.Errorf("events: flush logits log: %w", flushErr)
	}
	return nil
}
