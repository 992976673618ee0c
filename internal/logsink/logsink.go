// Package logsink implements spec.md §6's logging sink: a single
// accumulator goroutine reading a shared channel of log records,
// appending lines of the form
//
//	[<iso-timestamp>::<worker-name>::<pid>::<LEVEL>] <msg>
//
// to <epoch>.ci.log, while mirroring DEBUG/INFO to stdout and
// WARN/ERROR/FATAL to stderr. It is wired in as an slog.Handler
// (log/slog is the teacher's logging primitive throughout this
// codebase) so every worker's logger — each one already
// logger.With("worker", name), per internal/worker.New — feeds the
// same sink without knowing it exists. The channel-draining
// accumulator shape mirrors internal/prbuilder/metrics.Collector, the
// other process-wide single-consumer-many-producer worker in this
// tree.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/ci-orchestrator/internal/config"
)

// intakeBufferSize bounds the channel so a burst of log calls from
// many workers at once does not block their callers; the accumulator
// goroutine drains it continuously.
const intakeBufferSize = 1024

type record struct {
	line  string
	level slog.Level
}

// Sink is the process-wide logging accumulator. Open one per process
// and install its Handler as the slog default; Close flushes any
// buffered records and closes the underlying file.
type Sink struct {
	file   *os.File
	stdout *os.File
	stderr *os.File

	intake chan record
	done   chan struct{}
}

// Open creates (or appends to) <epoch>.ci.log in dir and starts the
// accumulator goroutine. epoch is normally the orchestrator's start
// time as a Unix timestamp; callers own computing it so this package
// never calls time.Now() itself, keeping it trivial to drive with a
// fixed value from a test.
func Open(dir string, epoch int64) (*Sink, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d.ci.log", epoch))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}

	s := &Sink{
		file:   f,
		stdout: os.Stdout,
		stderr: os.Stderr,
		intake: make(chan record, intakeBufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Path returns the on-disk log file's path.
func (s *Sink) Path() string { return s.file.Name() }

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.intake {
		fmt.Fprintln(s.file, rec.line)
		if rec.level >= slog.LevelWarn {
			fmt.Fprintln(s.stderr, rec.line)
		} else {
			fmt.Fprintln(s.stdout, rec.line)
		}
	}
}

// Close drains any buffered records, stops the accumulator goroutine,
// and closes the log file. Close closes the intake channel, so a
// Handler write after Close panics with a send on a closed channel;
// callers must stop logging through this sink's handler first.
func (s *Sink) Close() error {
	close(s.intake)
	<-s.done
	return s.file.Close()
}

// Handler returns an slog.Handler backed by this sink. minLevel
// filters records before they are ever queued, same as
// slog.HandlerOptions.Level on a stdlib handler.
func (s *Sink) Handler(minLevel slog.Level) slog.Handler {
	return &handler{sink: s, minLevel: minLevel}
}

// handler renders slog.Record values into the bracketed line format
// and hands them to the sink's intake channel. It implements
// slog.Handler directly rather than wrapping slog.TextHandler because
// the on-disk format spec.md §6 requires is not key=value pairs, just
// the worker name, pid, level, and message.
type handler struct {
	sink     *Sink
	minLevel slog.Level
	worker   string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	worker := h.worker
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "worker" {
			worker = a.Value.String()
			return false
		}
		return true
	})
	if worker == "" {
		worker = "main"
	}

	line := fmt.Sprintf("[%s::%s::%d::%s] %s",
		r.Time.UTC().Format(time.RFC3339Nano), worker, os.Getpid(), levelName(r.Level), r.Message)

	select {
	case h.sink.intake <- record{line: line, level: r.Level}:
	default:
		// Intake is full: drop rather than block the caller. A
		// logging sink that can stall the worker tree it is meant to
		// be observing is worse than a gap in the log.
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	for _, a := range attrs {
		if a.Key == "worker" {
			next.worker = a.Value.String()
		}
	}
	return &next
}

func (h *handler) WithGroup(_ string) slog.Handler {
	// Groups nest attrs under a key for structured handlers; this
	// handler only cares about the flat "worker" attr, so grouping is
	// a no-op rather than losing messages.
	return h
}

// levelName renders r.Level using config's custom Trace/Fatal names,
// falling back to the standard four slog levels.
func levelName(level slog.Level) string {
	if name := config.LevelName(level); name != "" {
		return name
	}
	switch {
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}
