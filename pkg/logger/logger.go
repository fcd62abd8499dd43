package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config describes the process logger. Outputs accepts "stdout", "stderr"
// or file paths; files are size-rotated. AuditPath, when set, routes the
// audit logger to its own rotated JSON file.
type Config struct {
	Level        string
	Format       string
	Outputs      []string
	AddSource    bool
	AuditPath    string
	AuditMaxSize int // megabytes
	AuditBackups int
}

var (
	mu          sync.Mutex
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	closers     []io.Closer
)

// Init installs the process loggers. Calling it again replaces them and
// closes any files the previous configuration opened.
func Init(cfg Config) error {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var opened []io.Closer
	writers := make([]io.Writer, 0, len(cfg.Outputs)+1)
	for _, out := range cfg.Outputs {
		w, c, err := openOutput(out)
		if err != nil {
			closeAll(opened)
			return err
		}
		if c != nil {
			opened = append(opened, c)
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	app := slog.New(newHandler(cfg.Format, io.MultiWriter(writers...), opts))

	audit := app
	if cfg.AuditPath != "" {
		w, err := newRotator(cfg.AuditPath, cfg.AuditMaxSize, cfg.AuditBackups)
		if err != nil {
			closeAll(opened)
			return fmt.Errorf("open audit log: %w", err)
		}
		opened = append(opened, w)
		audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	mu.Lock()
	previous := closers
	appLogger, auditLogger, closers = app, audit, opened
	mu.Unlock()
	closeAll(previous)
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutput(target string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	w, err := newRotator(target, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", target, err)
	}
	return w, w, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the process logger, installing a stdout JSON logger on first use.
func L() *slog.Logger {
	mu.Lock()
	l := appLogger
	mu.Unlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.Lock()
	defer mu.Unlock()
	return appLogger
}

// Audit returns the audit logger. Without an audit file it is the process logger.
func Audit() *slog.Logger {
	mu.Lock()
	a := auditLogger
	mu.Unlock()
	if a == nil {
		return L()
	}
	return a
}

// Sync closes the log files opened by Init.
func Sync() error {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()
	return closeAll(cs)
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Worker returns a component logger scoped to a single fleet worker.
func Worker(component, worker string) *slog.Logger {
	return Named(component).With(slog.String("worker", worker))
}
