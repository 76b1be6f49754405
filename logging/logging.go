package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

// Default is the process-wide logger. It writes to stdout until Setup or Init is called.
var Default = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

// Setup opens logPath for appending and routes both zerolog and the stdlib logger
// through stdout plus the rotating file.
func Setup(logPath, level string) (*RotatingWriter, error) {
	rw, err := NewRotatingWriter(logPath, maxLogSize)
	if err != nil {
		Init(level, os.Stdout)
		return nil, err
	}

	Init(level, io.MultiWriter(os.Stdout, rw))
	return rw, nil
}

// Init configures Default to write human-readable lines to out
func Init(level string, out io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(lvl)

	Default = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout}).
		With().Timestamp().Logger()

	// third-party packages that use the stdlib logger
	log.SetFlags(0)
	log.SetOutput(Default.With().Str("component", "stdlog").Logger())
}

// For returns a child logger tagged with component
func For(component string) zerolog.Logger {
	return Default.With().Str("component", component).Logger()
}

// WithStore tags l with the store being processed
func WithStore(l zerolog.Logger, storeID int64, storeName string) zerolog.Logger {
	return l.With().Int64("store_id", storeID).Str("store", storeName).Logger()
}

func NewRotatingWriter(logPath string, maxSize int64) (*RotatingWriter, error) {
	// Truncate if too large on startup
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxSize {
		os.Truncate(logPath, 0)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, _ := f.Stat()
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	return &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
	}, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		if rerr := w.rotate(); rerr != nil {
			// keep appending to the current file until a rotation succeeds
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", rerr)
		}
	}

	return n, err
}

// rotate moves the current file to one .1 backup and starts a fresh one.
// The old handle stays in use when either step fails.
func (w *RotatingWriter) rotate() error {
	backup := w.path + ".1"
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rename %s: %w", w.path, err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", w.path, err)
	}

	old := w.file
	w.file = f
	w.size = 0
	return old.Close()
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
