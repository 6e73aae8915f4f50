// Package audit records security- and sync-relevant events to a bounded,
// rotating JSON-lines file.
package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EventSyncStarted      = "sync.started"
	EventSyncFinished     = "sync.finished"
	EventConflictRemote   = "sync.conflict.remote_wins"
	EventEntityFailed     = "sync.entity.failed"
	EventUnauthorized     = "sync.unauthorized"
	EventConnectivity     = "connectivity.transition"
	EventEntityCreated    = "entity.created"
	EventEntityUpdated    = "entity.updated"
	EventEntityDeleted    = "entity.deleted"
	EventRemoteDeleteSeen = "sync.remote_deleted"
)

// Logger is the audit sink handed to components that emit events.
type Logger interface {
	Log(ctx context.Context, event string, details map[string]any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(context.Context, string, map[string]any) {}

// Config bounds the audit file. Zero sizes fall back to 10 MB and 3
// backups.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// FileLogger writes one JSON object per event.
type FileLogger struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *slog.Logger
}

var _ Logger = (*FileLogger)(nil)

// NewFileLogger opens a rotating audit file. The file is created lazily on
// the first event.
func NewFileLogger(cfg Config) *FileLogger {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	return NewWriterLogger(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
}

// NewWriterLogger writes events to w.
func NewWriterLogger(w io.WriteCloser) *FileLogger {
	return &FileLogger{
		out:    w,
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

func (l *FileLogger) Log(ctx context.Context, event string, details map[string]any) {
	attrs := make([]any, 0, len(details)*2)
	for k, v := range details {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, k, v)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.InfoContext(ctx, event, attrs...)
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// New returns a FileLogger for cfg, or Nop when no path is configured.
func New(cfg Config) Logger {
	if cfg.Path == "" {
		return Nop{}
	}
	return NewFileLogger(cfg)
}
