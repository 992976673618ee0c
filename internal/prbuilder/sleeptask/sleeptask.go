// Package sleeptask implements the sleep task of spec.md §4.9: a
// worker whose entire job is to sleep for a configured duration then
// exit, so that a parent with a long delay to wait out (the fetcher's
// between-polls delay) can make that wait
// interruptible by terminating this child instead of blocking itself.
package sleeptask

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// New constructs and starts a sleep task that will exit on its own
// after d, or immediately if its parent calls Terminate first.
func New(endpoint broker.ChannelPair, d time.Duration, logger *slog.Logger) worker.Worker {
	b := worker.New("sleep", broker.NewChild(endpoint), logger)
	b.Start(func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	})
	return b
}
