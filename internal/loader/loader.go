// Package loader merges pending update manifests into the warehouse and
// hands the consumed manifests to the finalizer.
package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/database"
	"github.com/tejusbharadwaj/meterflow/internal/metrics"
	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/queue"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/updates"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// Config controls a loader run.
type Config struct {
	// RowLimit caps the rows loaded per run; zero means unlimited.
	RowLimit int
	Workers  int
	Loop     worker.LoopConfig
	Retry    worker.RetryPolicy
}

// Report summarises a loader run.
type Report struct {
	Listed    int
	Loaded    int64
	Deferred  int64
	Failed    int64
	Rows      int
	Finalized updates.FinalizeStats
	Elapsed   time.Duration
}

type Loader struct {
	cfg       Config
	store     storage.Storage
	repo      database.Repository
	finalizer *updates.Finalizer
	pool      *worker.Pool
	metrics   *metrics.Collectors
	log       *logrus.Entry
}

func New(cfg Config, store storage.Storage, repo database.Repository, finalizer *updates.Finalizer, pool *worker.Pool, m *metrics.Collectors, log *logrus.Entry) *Loader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if pool == nil {
		pool = worker.NewPool(worker.DefaultPoolSize, log)
	}
	return &Loader{
		cfg:       cfg,
		store:     store,
		repo:      repo,
		finalizer: finalizer,
		pool:      pool,
		metrics:   m,
		log:       log.WithField("component", "loader"),
	}
}

// Pending lists the pending manifests under the updates directory of every
// location, oldest key first.
func (l *Loader) Pending(ctx context.Context, locations []models.StorageInfo) ([]models.ManifestRef, error) {
	var refs []models.ManifestRef
	for _, loc := range locations {
		dir := loc.Join(updates.Dir)
		objects, err := l.store.List(ctx, dir.Bucket, storage.DirPrefix(dir.Path)+updates.PendingToken+"-")
		if err != nil {
			return nil, fmt.Errorf("list updates of %s: %w", dir, err)
		}
		for _, name := range storage.Children(objects, dir.Path) {
			if strings.HasPrefix(name, updates.PendingToken+"-") {
				refs = append(refs, models.ManifestRef{Bucket: dir.Bucket, Path: dir.Dir(), Filename: name})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// Run loads every pending manifest of locations that fits the row budget
// and finalizes the loaded ones. Manifests over budget stay pending for the
// next run.
func (l *Loader) Run(ctx context.Context, locations []models.StorageInfo) (Report, error) {
	start := time.Now()
	var report Report

	refs, err := l.Pending(ctx, locations)
	if err != nil {
		return report, err
	}
	report.Listed = len(refs)

	in := queue.New[models.ManifestRef](0)
	for _, r := range refs {
		in.TryPut(r)
	}
	done := queue.New[models.ManifestRef](0)
	budget := NewRowBudget(l.cfg.RowLimit)

	var loaded, deferred, failed atomic.Int64
	load := func(ctx context.Context, id string) error {
		log := l.log.WithField("worker", id)
		_, err := worker.RunLoop(ctx, in, l.cfg.Loop, log, func(ctx context.Context, ref models.ManifestRef) error {
			ok, err := l.load(ctx, budget, ref)
			switch {
			case err != nil:
				failed.Add(1)
				return err
			case !ok:
				deferred.Add(1)
				log.WithField("manifest", ref.String()).Info("Row limit reached, leaving manifest pending")
				return nil
			}
			loaded.Add(1)
			return done.Put(ctx, ref)
		})
		return err
	}
	l.pool.Run(ctx, []worker.Task{{Name: "load", Run: load}}, l.cfg.Workers)

	report.Loaded = loaded.Load()
	report.Deferred = deferred.Load()
	report.Failed = failed.Load()
	report.Rows = budget.Used()
	l.metrics.RowsLoaded(report.Rows)

	if l.finalizer != nil {
		stats, err := l.finalizer.Run(ctx, done, worker.LoopConfig{Name: "finalize", MaxIdleRuns: 1})
		report.Finalized = stats
		if err != nil {
			return report, err
		}
	}

	report.Elapsed = time.Since(start)
	l.metrics.ObserveRun("loader", report.Elapsed)
	l.log.WithFields(logrus.Fields{
		"listed":   report.Listed,
		"loaded":   report.Loaded,
		"deferred": report.Deferred,
		"failed":   report.Failed,
		"rows":     report.Rows,
		"elapsed":  report.Elapsed,
	}).Info("Completed loader run")
	return report, ctx.Err()
}

func (l *Loader) load(ctx context.Context, budget *RowBudget, ref models.ManifestRef) (bool, error) {
	body, err := l.store.Get(ctx, ref.Bucket, ref.Key())
	if err != nil {
		return false, fmt.Errorf("read %s: %w", ref, err)
	}
	mb, err := updates.Decode(body)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", ref, err)
	}

	n := len(mb.Updates)
	if !budget.TryReserve(n) {
		return false, nil
	}
	if n == 0 {
		return true, nil
	}

	err = worker.Retry(ctx, l.cfg.Retry, func(int) error {
		_, err := l.repo.UpsertReadings(ctx, mb.Updates)
		return err
	})
	if err != nil {
		budget.Release(n)
		return false, fmt.Errorf("load %s: %w", ref, err)
	}
	return true, nil
}
