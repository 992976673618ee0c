// Package metrics implements the metrics collector of spec.md §4.8: a
// process-wide intake channel any worker can send {name, value} pairs
// to, drained in batches, stamped with the computed metric path, and
// forwarded to the monitoring-endpoint emitter.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// Record is one metric observation sent on the intake channel.
type Record struct {
	Name  string
	Value float64
}

// Emitter is the subset of metricsemit.Emitter the collector needs,
// kept as an interface so tests can substitute a recording fake.
type Emitter interface {
	Emit(path, name string, value float64) error
}

// Path computes the metric path spec.md §6 specifies:
// <category>.<subcategory>_Nodes/<hostname>-<worker-index>[-<ci_name>].
func Path(category, subcategory, hostname string, workerIndex int, ciName string) string {
	suffix := fmt.Sprintf("%s-%d", hostname, workerIndex)
	if ciName != "" {
		suffix = fmt.Sprintf("%s-%s", suffix, ciName)
	}
	return fmt.Sprintf("%s.%s_Nodes/%s", category, subcategory, suffix)
}

// intakeBufferSize bounds the process-wide metrics channel so a burst
// of observations from many workers does not block their callers;
// the collector drains it continuously.
const intakeBufferSize = 256

// Collector is the metrics worker. Other workers hold only its Intake
// channel, never the worker itself — they are producers, not parents.
type Collector struct {
	*worker.Base
	Intake chan<- Record

	intake      chan Record
	emitter     Emitter
	category    string
	subcategory string
	hostname    string
	workerIndex int
	ciName      string

	// done is set by handleShutdown, read only from run's goroutine —
	// both execute on the same goroutine (HandleParentMessage
	// dispatches synchronously), so no synchronization is needed.
	done bool
}

// New constructs and starts the metrics collector. category and
// subcategory are the static prefix this deployment's metrics use
// (e.g. "build", "AliPhysics"); emitter delivers the stamped metric
// downstream.
func New(endpoint broker.ChannelPair, emitter Emitter, category, subcategory string, workerIndex int, ciName string, logger *slog.Logger) *Collector {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	intake := make(chan Record, intakeBufferSize)
	c := &Collector{
		Base:        worker.New("metrics", broker.NewChild(endpoint), logger),
		Intake:      intake,
		intake:      intake,
		emitter:     emitter,
		category:    category,
		subcategory: subcategory,
		hostname:    hostname,
		workerIndex: workerIndex,
		ciName:      ciName,
	}

	c.Handle("shutdown", c.handleShutdown)
	c.Start(c.run)
	return c
}

func (c *Collector) run(ctx context.Context) {
	for {
		c.HandleParentMessage(200 * time.Millisecond)
		if c.done {
			return
		}

		// Forward everything buffered since the last poll as one batch,
		// up to one buffer's worth so parent verbs stay serviced.
		for n := 0; n < intakeBufferSize; n++ {
			select {
			case <-ctx.Done():
				return
			case rec := <-c.intake:
				c.forward(rec)
				continue
			default:
			}
			break
		}
	}
}

func (c *Collector) forward(rec Record) {
	path := Path(c.category, c.subcategory, c.hostname, c.workerIndex, c.ciName)
	if err := c.emitter.Emit(path, rec.Name, rec.Value); err != nil {
		c.Logger().Warn("metric emit failed", "path", path, "name", rec.Name, "error", err)
	}
}

// handleShutdown drains any buffered records, closes the intake
// channel, and marks the collector done so run returns. It replaces
// the default worker.Base shutdown rather than calling it. Overriding "shutdown" is the one case spec.md
// §4.8 calls out as different from the universal verb: the collector
// must drain before exiting, not just forward to children (it has
// none).
func (c *Collector) handleShutdown(args map[string]any) broker.Envelope {
	draining := true
	for draining {
		select {
		case rec := <-c.intake:
			c.forward(rec)
		default:
			draining = false
		}
	}
	close(c.intake)
	c.done = true
	return broker.OK(nil)
}
