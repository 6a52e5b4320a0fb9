package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultPoolSize = 10

// Task is a worker function replicated by a Pool. Each replica receives a
// deterministic worker id.
type Task struct {
	Name string
	Run  func(ctx context.Context, workerID string) error
	// Replicas overrides the replica count passed to Pool.Run when positive.
	Replicas int
}

// Result is the outcome of one replica.
type Result struct {
	WorkerID string
	Err      error
	Elapsed  time.Duration
}

// Results holds one Result per replica in submission order.
type Results struct {
	Handles []Result
	Failed  int
}

// Err joins the errors of every failed replica, or returns nil.
func (r Results) Err() error {
	var errs []error
	for _, h := range r.Handles {
		if h.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.WorkerID, h.Err))
		}
	}
	return errors.Join(errs...)
}

// Pool runs task replicas on at most size goroutines at once. Replicas
// beyond the limit wait for a free slot instead of failing.
type Pool struct {
	size int
	log  *logrus.Entry
}

// NewPool creates a pool with the given concurrency limit.
func NewPool(size int, log *logrus.Entry) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{size: size, log: log}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// WorkerID formats the identity of replica r (1-based) of task t (1-based).
func WorkerID(task, replica int, name string) string {
	return fmt.Sprintf("%d_%d_%s", task, replica, name)
}

// Run starts replicas copies of every task and waits for all of them. A
// failing or panicking replica is logged and counted; its siblings keep
// running.
func (p *Pool) Run(ctx context.Context, tasks []Task, replicas int) Results {
	if replicas <= 0 {
		replicas = 1
	}

	type slot struct {
		task Task
		id   string
	}
	var slots []slot
	for ti, task := range tasks {
		n := replicas
		if task.Replicas > 0 {
			n = task.Replicas
		}
		for ri := 0; ri < n; ri++ {
			slots = append(slots, slot{task: task, id: WorkerID(ti+1, ri+1, task.Name)})
		}
	}

	results := Results{Handles: make([]Result, len(slots))}

	var g errgroup.Group
	g.SetLimit(p.size)
	for i, s := range slots {
		i, s := i, s
		g.Go(func() error {
			start := time.Now()
			err := runReplica(ctx, s.task, s.id)
			results.Handles[i] = Result{WorkerID: s.id, Err: err, Elapsed: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range results.Handles {
		if h.Err == nil {
			continue
		}
		results.Failed++
		p.log.WithFields(logrus.Fields{
			"worker":  h.WorkerID,
			"elapsed": h.Elapsed,
		}).WithError(h.Err).Error("Worker failed")
	}
	return results
}

func runReplica(ctx context.Context, task Task, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return task.Run(ctx, id)
}
