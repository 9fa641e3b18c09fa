package worker

import (
	"bytes"
	"context"
	"io"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/sns45/better-call-claude/internal/models"
)

// DefaultFlushInterval is the interval between periodic log flushes.
const DefaultFlushInterval = 5 * time.Second

// LogWriter captures worker subprocess output into worker_logs rows.
// Output is buffered per stream and flushed periodically and on exit, so a
// chatty worker does not produce one row per write.
type LogWriter struct {
	db *gorm.DB

	mu      sync.Mutex
	streams map[string][]*logStream // task id → its stdout/stderr streams
}

// logStream buffers one direction of one task's output.
type logStream struct {
	taskID    string
	sessionID string
	direction string // "out" or "err"

	mu  sync.Mutex
	buf bytes.Buffer

	writeFn func(models.WorkerLog) error
}

// NewLogWriter creates a LogWriter flushing into the given diagnostics DB
// and starts a periodic flusher that runs until ctx is cancelled.
func NewLogWriter(ctx context.Context, db *gorm.DB) *LogWriter {
	w := &LogWriter{db: db, streams: make(map[string][]*logStream)}
	go func() {
		ticker := time.NewTicker(DefaultFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.FlushAll()
				return
			case <-ticker.C:
				w.FlushAll()
			}
		}
	}()
	return w
}

// Writers returns stdout and stderr writers for one task's subprocess.
func (w *LogWriter) Writers(taskID, sessionID string) (stdout, stderr io.Writer) {
	out := &logStream{taskID: taskID, sessionID: sessionID, direction: "out", writeFn: w.create}
	errs := &logStream{taskID: taskID, sessionID: sessionID, direction: "err", writeFn: w.create}

	w.mu.Lock()
	w.streams[taskID] = append(w.streams[taskID], out, errs)
	w.mu.Unlock()
	return out, errs
}

// Flush writes any buffered output for one task and drops its streams.
func (w *LogWriter) Flush(taskID string) {
	w.mu.Lock()
	streams := w.streams[taskID]
	delete(w.streams, taskID)
	w.mu.Unlock()

	for _, s := range streams {
		if err := s.flush(); err != nil {
			log.Printf("worker: flush logs for %s: %v", taskID, err)
		}
	}
}

// FlushAll writes buffered output for every tracked task without dropping
// the streams.
func (w *LogWriter) FlushAll() {
	w.mu.Lock()
	var all []*logStream
	for _, streams := range w.streams {
		all = append(all, streams...)
	}
	w.mu.Unlock()

	for _, s := range all {
		if err := s.flush(); err != nil {
			log.Printf("worker: flush logs for %s: %v", s.taskID, err)
		}
	}
}

func (w *LogWriter) create(row models.WorkerLog) error {
	return w.db.Create(&row).Error
}

// Write appends bytes to the stream buffer (implements io.Writer).
func (s *logStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logStream) flush() error {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	content := s.buf.String()
	s.buf.Reset()
	s.mu.Unlock()

	return s.writeFn(models.WorkerLog{
		TaskID:    s.taskID,
		SessionID: s.sessionID,
		Direction: s.direction,
		Content:   content,
		CreatedAt: time.Now(),
	})
}
