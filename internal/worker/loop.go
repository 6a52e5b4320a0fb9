// Package worker runs the replicated consumers of the ingestion pipeline.
//
// A consumer keeps draining its queue and exits once it has seen
// MaxIdleRuns consecutive empty polls, sleeping PollInterval between them.
// The latency tail of a stage is therefore at most MaxIdleRuns x
// PollInterval. When the loop is given an Upstream signal, empty polls do
// not count while producers are still running, so consumers can be started
// next to slow producers.
//
// The package provides:
//   - RunLoop: the idle-timeout consumer loop
//   - Pool: replicates tasks over a bounded number of goroutines
//   - Retry: linear-backoff retry for transient I/O failures
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/queue"
)

const (
	DefaultMaxIdleRuns  = 3
	DefaultPollInterval = 100 * time.Millisecond
)

// LoopConfig is the idle policy of one worker role.
type LoopConfig struct {
	Name         string        `mapstructure:"name" yaml:"name,omitempty"`
	MaxIdleRuns  int           `mapstructure:"max_idle_runs" yaml:"max_idle_runs"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Upstream reports whether producers may still enqueue. Nil means the
	// producers are done.
	Upstream func() bool `mapstructure:"-" yaml:"-"`
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIdleRuns <= 0 {
		c.MaxIdleRuns = DefaultMaxIdleRuns
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// LoopStats summarises one loop invocation.
type LoopStats struct {
	Processed int
	Failed    int
	IdlePolls int
}

// Handler processes one queue item. A returned error is logged and counted;
// it never stops the loop.
type Handler[T any] func(ctx context.Context, item T) error

// RunLoop drains q with handle until MaxIdleRuns consecutive polls find the
// queue empty. Every item taken from the queue is acknowledged with
// TaskDone, whatever the handler outcome. The only error returned is the
// context error when ctx ends between items or during an idle sleep.
func RunLoop[T any](ctx context.Context, q *queue.Queue[T], cfg LoopConfig, log *logrus.Entry, handle Handler[T]) (LoopStats, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var stats LoopStats
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		// sampled before polling: once it is false every item is enqueued
		producing := cfg.Upstream != nil && cfg.Upstream()
		item, ok := q.TryGet()
		if !ok {
			stats.IdlePolls++
			if !producing {
				idle++
			}
			if idle >= cfg.MaxIdleRuns {
				log.WithFields(logrus.Fields{
					"processed": stats.Processed,
					"failed":    stats.Failed,
				}).Debug("Queue is idle, shutting down worker")
				return stats, nil
			}
			if err := Sleep(ctx, cfg.PollInterval); err != nil {
				return stats, err
			}
			continue
		}

		idle = 0
		stats.Processed++
		if err := safeHandle(ctx, handle, item); err != nil {
			stats.Failed++
			log.WithError(err).Error("Failed to process queue item, skipping")
		}
		q.TaskDone()
	}
}

// Producers counts the live producers of a queue. Its Active method is an
// Upstream signal for the consumers.
type Producers struct {
	n atomic.Int64
}

// NewProducers starts the count at n.
func NewProducers(n int) *Producers {
	p := &Producers{}
	p.n.Store(int64(n))
	return p
}

// Done marks one producer as finished.
func (p *Producers) Done() {
	p.n.Add(-1)
}

// Active reports whether any producer is still running.
func (p *Producers) Active() bool {
	return p.n.Load() > 0
}

func safeHandle[T any](ctx context.Context, handle Handler[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handle(ctx, item)
}

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
