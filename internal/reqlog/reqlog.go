// Package reqlog appends terminal request outcomes to an NDJSON file.
package reqlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
)

// Config controls the request log.
type Config struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Entry is one line of the log.
type Entry struct {
	Time            time.Time          `json:"time"`
	URI             string             `json:"uri"`
	State           domain.State       `json:"state"`
	Kind            domain.FailureKind `json:"kind,omitempty"`
	JobID           int                `json:"job_id,omitempty"`
	Code            string             `json:"code,omitempty"`
	RTTMillis       int64              `json:"rtt_ms,omitempty"`
	Retransmissions int                `json:"retransmissions,omitempty"`
	RID             string             `json:"rid,omitempty"`
	Error           string             `json:"error,omitempty"`
	CancelReason    string             `json:"cancel_reason,omitempty"`
}

// FromOutcome builds the entry of an outcome.
func FromOutcome(o domain.Outcome) Entry {
	e := Entry{
		Time:            o.StartedAt,
		URI:             o.URI,
		State:           o.State,
		Kind:            o.Kind,
		JobID:           o.JobID,
		Retransmissions: o.Retransmissions,
		RID:             o.RID,
		Error:           o.ErrorText(),
		CancelReason:    o.CancelReason(),
	}
	if o.Response != nil {
		e.Code = o.Response.Code
		e.RTTMillis = o.Response.RTT.Milliseconds()
	}
	return e
}

// Logger records outcomes.
type Logger interface {
	Log(o domain.Outcome)
	Close() error
}

type noopLogger struct{}

func (noopLogger) Log(domain.Outcome) {}
func (noopLogger) Close() error       { return nil }

// New opens the log file. A disabled config returns a logger that drops everything.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return noopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create request log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	w := &FileLogger{
		file:   f,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.process()
	return w, nil
}

// FileLogger writes entries from a bounded queue. When the queue is full
// the oldest entry is dropped.
type FileLogger struct {
	file   *os.File
	queue  chan Entry
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Log queues the outcome without blocking.
func (w *FileLogger) Log(o domain.Outcome) {
	entry := FromOutcome(o)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- entry:
		return
	default:
	}

	select {
	case <-w.queue:
		w.logger.Warn("Request log queue full, dropped oldest entry", "queue_len", len(w.queue))
	default:
	}
	select {
	case w.queue <- entry:
	default:
		w.logger.Warn("Failed to queue request log entry", "uri", entry.URI)
	}
}

func (w *FileLogger) process() {
	defer close(w.done)
	buf := bufio.NewWriter(w.file)
	enc := json.NewEncoder(buf)
	for entry := range w.queue {
		if err := enc.Encode(entry); err != nil {
			w.logger.Warn("Failed to encode request log entry", "error", err)
			continue
		}
		if len(w.queue) == 0 {
			if err := buf.Flush(); err != nil {
				w.logger.Warn("Failed to write request log", "error", err)
			}
		}
	}
	if err := buf.Flush(); err != nil {
		w.logger.Warn("Failed to write request log", "error", err)
	}
}

// Close writes the queued entries and closes the file.
func (w *FileLogger) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("Request log shutdown timeout", "queue_remaining", len(w.queue))
	}
	return w.file.Close()
}
