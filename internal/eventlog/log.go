// Package eventlog is the append-only audit trail of webhook handling. Each
// entry is one line of the form "[<ISO-8601 timestamp>] <message>".
package eventlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeLayout is ISO-8601 with microseconds and offset.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// DefaultTail is how many lines the events page shows.
const DefaultTail = 50

// Entry is one audit record.
type Entry struct {
	Time       time.Time
	Event      string
	DeliveryID string
	Message    string
}

// Line renders the entry the way it is stored.
func (e Entry) Line() string {
	return "[" + e.Time.Format(TimeLayout) + "] " + e.Message
}

// Embedded line breaks would split one entry over several lines.
var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`)

// Log appends entries to a file. All methods are safe for concurrent use.
type Log struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	subscribers []func(Entry)
	now         func() time.Time
	log         *slog.Logger
}

// Open opens path for appending, creating it and its directory if needed.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{path: path, file: file, now: time.Now, log: logger}, nil
}

// Subscribe registers fn to be called with every appended entry, in append
// order. fn runs while the log is locked and must not block.
func (l *Log) Subscribe(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Append writes e as a single line. A zero Time is set to now.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = l.now()
	}
	e.Message = lineBreaks.Replace(e.Message)

	if _, err := l.file.WriteString(e.Line() + "\n"); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	for _, fn := range l.subscribers {
		fn(e)
	}
	return nil
}

// Record appends message and mirrors it to the process logger. Write
// failures are logged, never returned: the caller's request must not fail
// because the audit file is unavailable.
func (l *Log) Record(ctx context.Context, event, deliveryID, message string) {
	l.log.InfoContext(ctx, message, "event", event, "delivery", deliveryID)
	if err := l.Append(Entry{Event: event, DeliveryID: deliveryID, Message: message}); err != nil {
		l.log.ErrorContext(ctx, "event log write failed", "err", err)
	}
}

// Tail returns up to the last n lines, oldest first.
func (l *Log) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\n"); line != "" {
			if len(ring) == n {
				copy(ring, ring[1:])
				ring = ring[:n-1]
			}
			ring = append(ring, line)
		}
		if errors.Is(err, io.EOF) {
			return ring, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read event log: %w", err)
		}
	}
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
