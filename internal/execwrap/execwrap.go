// Package execwrap runs an external command in its own process group
// and reports a single exit record on a one-shot channel, the pattern
// spec.md §4.7 requires for the diagnose and build pipeline stages: a
// child worker that can be terminated as a unit (the command plus any
// grandchildren it spawned) rather than just having its own pid
// killed.
package execwrap

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// Result is the exit record spec.md §4.7 requires every stage
// subprocess to produce: {exitcode, ok, sigkill, sigterm, out, err}.
type Result struct {
	ExitCode int
	OK       bool
	SigKill  bool
	SigTerm  bool
	Out      string
	Err      string
}

// resultBufferWait bounds how long Run waits for its one-shot result
// to be drained by the caller before returning, so a parent that never
// reads the channel cannot leak this worker's goroutine forever
// (spec.md §4.7: "must wait (bounded, e.g. 60s) for the channel to be
// consumed").
const resultBufferWait = 60 * time.Second

// Task runs one external command to completion (or until terminated)
// and delivers exactly one Result on Results.
type Task struct {
	worker.Worker
	Results <-chan Result

	pid atomic.Int32
}

// Pid returns the OS process-group leader's pid once the command has
// started, or 0 before that (or after it has exited). Used by the
// HTTP control surface's kill-subprocess route to confirm it is
// targeting the process it thinks it is (spec.md §6's
// `/tasks/current/procs/<pid:int>/kill`).
func (t *Task) Pid() int {
	return int(t.pid.Load())
}

// New constructs and starts a task running name with args in dir. The
// command runs in its own process group so Terminate (via the
// worker's context cancellation) can signal the whole group, not just
// the direct child — a build or aliDoctor invocation commonly forks
// further subprocesses that must die with it.
func New(endpoint broker.ChannelPair, name string, args []string, dir string, env []string, logger *slog.Logger) *Task {
	results := make(chan Result, 1)
	t := &Task{Results: results}
	b := worker.New(name, broker.NewChild(endpoint), logger)
	b.SetProcessStats(func() (int, bool) {
		pid := t.Pid()
		return pid, pid != 0
	})

	b.Start(func(ctx context.Context) {
		results <- runOnce(ctx, b.Logger(), name, args, dir, env, &t.pid)
		// Hold the worker "alive" from the parent's point of view only
		// long enough to guarantee the result was consumed; the parent
		// polls Results with its own short timeout per spec.md §4.7.
		waitForConsumption(ctx, results)
	})

	t.Worker = b
	return t
}

func waitForConsumption(ctx context.Context, results chan Result) {
	// len(results) > 0 means nobody has read the buffered value yet.
	deadline := time.NewTimer(resultBufferWait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(results) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, name string, args []string, dir string, env []string, pid *atomic.Int32) Result {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, OK: false, Err: err.Error()}
	}
	pid.Store(int32(cmd.Process.Pid))
	defer pid.Store(0)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return resultFromWait(err, stdout.String(), stderr.String())
	case <-ctx.Done():
		killed := killProcessGroup(cmd.Process.Pid, logger)
		<-done // Wait always returns once the group is dead.
		return Result{
			ExitCode: -1,
			OK:       false,
			SigKill:  killed,
			SigTerm:  !killed,
			Out:      stdout.String(),
			Err:      stderr.String(),
		}
	}
}

func resultFromWait(err error, out, errOut string) Result {
	if err == nil {
		return Result{ExitCode: 0, OK: true, Out: out, Err: errOut}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{ExitCode: exitErr.ExitCode(), OK: false, Out: out, Err: errOut}
	}
	return Result{ExitCode: -1, OK: false, Out: out, Err: err.Error()}
}

// killProcessGroup first asks the group to terminate, then escalates
// to SIGKILL if it hasn't exited shortly after — matching spec.md
// §5's "reaping a stage subprocess that exceeded its timeout or
// refused graceful shutdown." Returns true if SIGKILL was ultimately
// used.
func killProcessGroup(pid int, logger *slog.Logger) bool {
	pgid := -pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && logger != nil {
		logger.Warn("SIGTERM to process group failed", "pgid", pgid, "error", err)
	}

	grace := time.NewTimer(3 * time.Second)
	defer grace.Stop()
	<-grace.C

	if err := unix.Kill(pgid, 0); err != nil {
		// ESRCH: group is already gone, SIGTERM was enough.
		return false
	}

	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && logger != nil {
		logger.Warn("SIGKILL to process group failed", "pgid", pgid, "error", err)
	}
	return true
}
