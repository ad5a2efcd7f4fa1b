// Package transcript writes NDJSON chat transcripts, one file per
// conversation, for offline review of agent behavior.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one logged chat turn.
type Event struct {
	Timestamp      string `json:"ts"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	SessionID      string `json:"session_id,omitempty"`
}

// Logger appends chat events to per-conversation NDJSON files. Writes go
// through a bounded queue drained by a single worker; when the queue is full
// the event is dropped rather than stalling a send.
type Logger struct {
	enabled bool
	dir     string
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
}

// New creates a transcript logger. A disabled config yields a logger whose
// Log is a no-op.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		enabled: cfg.Enabled,
		dir:     cfg.Dir,
		done:    make(chan struct{}),
		log:     logger,
	}
	if !cfg.Enabled {
		return l, nil
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	l.queue = make(chan Event, cfg.QueueSize)
	l.wg.Add(1)
	go l.worker()
	return l, nil
}

// Log enqueues an event. Never blocks; drops when the queue is full or the
// logger is disabled or nil.
func (l *Logger) Log(ev Event) {
	if l == nil || !l.enabled {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.log.Warn("transcript queue full, dropping event", "conversation_id", ev.ConversationID)
	}
}

// Close drains the queue and stops the worker.
func (l *Logger) Close() error {
	if l == nil || !l.enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.queue:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("failed to marshal transcript event", "error", err)
		return
	}

	path := filepath.Join(l.dir, ev.ConversationID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.log.Warn("failed to open transcript file", "path", path, "error", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.log.Warn("failed to close transcript file", "path", path, "error", closeErr)
		}
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.log.Warn("failed to write transcript event", "path", path, "error", err)
	}
}
