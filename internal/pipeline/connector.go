// Package pipeline wires the stages of a connector run:
//
//	gaps -> hour queue -> fetch -> raw queue -> standardize -> save queue -> save
//	                                  \------------------------------------^
//
// Every stage is a population of idle-timeout workers, and the stages run at
// the same time: a worker keeps polling while its upstream stage still has
// live workers. Fetch replicas also
// hand fresh raw payloads straight to the save queue. Saved objects are
// registered with an update batcher, and the resulting manifests are
// uploaded once every stage has finished.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/gaps"
	"github.com/tejusbharadwaj/meterflow/internal/metrics"
	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/queue"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/updates"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// Role is the replica count and idle policy of one worker population.
type Role struct {
	Replicas int
	Loop     worker.LoopConfig
}

// Settings configure one connector.
type Settings struct {
	Name          string
	ParticipantID int64
	Location      *time.Location
	// GapWindow is the lookback of gap detection, in hours.
	GapWindow int
	Meters    []models.MeterDescriptor
	Raw       models.StorageInfo

	ChunkSize     int
	QueueCapacity int
	Retry         worker.RetryPolicy

	Gaps        Role
	Fetch       Role
	Standardize Role
	Save        Role
}

// Replicas is the number of fetch, standardize and save workers that run
// at the same time. The pool must hold all of them.
func (s Settings) Replicas() int {
	return replicas(s.Fetch.Replicas) + replicas(s.Standardize.Replicas) + replicas(s.Save.Replicas)
}

// Deps are the collaborators of a connector.
type Deps struct {
	Store    storage.Storage
	Fetcher  Fetcher
	Registry Registry
	Pool     *worker.Pool
	Cache    *gaps.HourCache
	Metrics  *metrics.Collectors
	Log      *logrus.Entry
}

type saveItem struct {
	raw    *models.RawFile
	record *models.CanonicalRecord
}

// Connector runs the ingestion pipeline of one data source. A connector is
// reused across scheduled runs; every run starts from empty queues.
type Connector struct {
	settings      Settings
	store         storage.Storage
	fetcher       Fetcher
	standardizers map[string]StandardizeFunc
	pool          *worker.Pool
	cache         *gaps.HourCache
	detector      *gaps.Detector
	metrics       *metrics.Collectors
	log           *logrus.Entry
	now           func() time.Time

	hours *queue.Queue[gaps.HourTask]
	raw   *queue.Queue[models.RawFile]
	saves *queue.Queue[saveItem]

	running atomic.Bool
}

// New builds a connector. Every configured meter type must have a
// standardizer in the registry.
func New(settings Settings, deps Deps) (*Connector, error) {
	if settings.Name == "" {
		return nil, fmt.Errorf("%w: connector name is required", ErrFatal)
	}
	if deps.Store == nil || deps.Fetcher == nil {
		return nil, fmt.Errorf("%w: connector %s needs storage and a fetcher", ErrFatal, settings.Name)
	}
	standardizers, err := deps.Registry.bind(settings.Meters)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", settings.Name, err)
	}

	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.ChunkSize <= 0 {
		settings.ChunkSize = updates.DefaultChunkSize
	}

	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("connector", settings.Name)

	pool := deps.Pool
	if pool == nil {
		pool = worker.NewPool(worker.DefaultPoolSize, log)
	}
	if need := settings.Replicas(); pool.Size() < need {
		return nil, fmt.Errorf("%w: connector %s runs %d stage workers at once but the pool holds %d",
			ErrFatal, settings.Name, need, pool.Size())
	}
	cache := deps.Cache
	if cache == nil {
		if cache, err = gaps.NewHourCache(len(settings.Meters), gaps.DefaultCacheTTL); err != nil {
			return nil, err
		}
	}

	return &Connector{
		settings:      settings,
		store:         deps.Store,
		fetcher:       deps.Fetcher,
		standardizers: standardizers,
		pool:          pool,
		cache:         cache,
		detector:      gaps.NewDetector(deps.Store, cache, settings.Location, log.WithField("stage", "gaps")),
		metrics:       deps.Metrics,
		log:           log,
		now:           time.Now,
		hours:         queue.New[gaps.HourTask](settings.QueueCapacity),
		raw:           queue.New[models.RawFile](settings.QueueCapacity),
		saves:         queue.New[saveItem](settings.QueueCapacity),
	}, nil
}

// Name returns the connector name.
func (c *Connector) Name() string {
	return c.settings.Name
}

type run struct {
	id        string
	time      time.Time
	counters  counters
	canonical *updates.Batcher
	raw       *updates.Batcher
}

func (c *Connector) reset(runTime time.Time) *run {
	c.hours.Clear()
	c.raw.Clear()
	c.saves.Clear()
	c.cache.Purge()

	id := updates.NewRunID()
	names := updates.NameTemplate{Prefix: updates.PendingToken, RunDate: runTime, RunID: id}
	return &run{
		id:        id,
		time:      runTime,
		canonical: updates.NewBatcher(c.settings.ChunkSize, names),
		raw:       updates.NewBatcher(c.settings.ChunkSize, names),
	}
}

// Run executes one full pass over the configured meters. runTime is the
// most recent hour to reconcile; the zero time means now. The returned
// error is non-nil only for fatal failures and cancellation; partial
// failures are reported in the Report.
func (c *Connector) Run(ctx context.Context, runTime time.Time) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{Connector: c.settings.Name}, ErrAlreadyRunning
	}
	defer c.running.Store(false)

	if runTime.IsZero() {
		runTime = c.now()
	}
	runTime = models.TruncateHour(runTime, c.settings.Location)
	start := time.Now()

	r := c.reset(runTime)
	log := c.log.WithField("run_id", r.id)
	report := Report{Connector: c.settings.Name, RunID: r.id, RunTime: runTime}

	if p, ok := c.fetcher.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return report, fmt.Errorf("%w: prepare %s: %w", ErrFatal, c.settings.Name, err)
		}
	}

	log.WithField("meters", len(c.settings.Meters)).Info("Matching missed hours")
	tasks := c.detector.Reconcile(ctx, c.pool, c.settings.Meters, gaps.ReconcileOptions{
		Start:    runTime.Add(-time.Duration(c.settings.GapWindow) * time.Hour),
		End:      runTime,
		Lookback: c.settings.GapWindow,
		Replicas: c.settings.Gaps.Replicas,
		Loop:     c.settings.Gaps.Loop,
	})
	report.MissingHours = len(tasks)
	for _, t := range tasks {
		report.MissingMeterHours += len(t.Meters)
	}
	c.metrics.Missing(c.settings.Name, report.MissingMeterHours)
	log.WithFields(logrus.Fields{
		"hours":       report.MissingHours,
		"meter_hours": report.MissingMeterHours,
		"elapsed":     time.Since(start),
	}).Info("Matched missed hours")

	if len(tasks) > 0 {
		res, left := c.process(ctx, r, tasks)
		report.WorkerFailures += res.Failed
		report.Unprocessed = left
		if left > 0 {
			log.WithField("items", left).Warn("Dropped unprocessed queue items")
		}
		c.metrics.WorkerFailed(c.settings.Name, "process", res.Failed)
	}

	manifests := append(r.canonical.Flush(), r.raw.Flush()...)
	publisher := updates.NewPublisher(c.store, c.settings.Retry, log.WithField("stage", "updates"))
	refs, failed := publisher.Publish(ctx, manifests)
	report.Manifests = refs
	report.ManifestsFailed = failed
	for range refs {
		c.metrics.Manifest(c.settings.Name, "update", metrics.OK)
	}
	for i := 0; i < failed; i++ {
		c.metrics.Manifest(c.settings.Name, "update", metrics.Failed)
	}

	r.counters.fill(&report)
	report.Elapsed = time.Since(start)
	c.metrics.ObserveRun(c.settings.Name, report.Elapsed)

	log.WithFields(logrus.Fields{
		"fetched":      report.Fetched,
		"standardized": report.Standardized,
		"saved":        report.SavedCanonical,
		"manifests":    len(report.Manifests),
		"failures":     report.WorkerFailures,
		"elapsed":      report.Elapsed,
	}).Info("Completed connector run")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func replicas(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// process runs the fetch, standardize and save stages side by side. A
// stage keeps polling while its producers run, so bounded queues only slow
// producers down.
func (c *Connector) process(ctx context.Context, r *run, tasks []gaps.HourTask) (worker.Results, int) {
	nFetch := replicas(c.settings.Fetch.Replicas)
	nStandardize := replicas(c.settings.Standardize.Replicas)

	feeding := worker.NewProducers(1)
	fetching := worker.NewProducers(nFetch)
	standardizing := worker.NewProducers(nStandardize)

	feedCtx, stopFeeding := context.WithCancel(ctx)
	defer stopFeeding()
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		defer feeding.Done()
		// most recent hour first
		for _, t := range tasks {
			if err := c.hours.Put(feedCtx, t); err != nil {
				return
			}
		}
	}()

	fetchLoop := c.settings.Fetch.Loop
	fetchLoop.Upstream = feeding.Active
	standardizeLoop := c.settings.Standardize.Loop
	standardizeLoop.Upstream = fetching.Active
	saveLoop := c.settings.Save.Loop
	saveLoop.Upstream = func() bool { return fetching.Active() || standardizing.Active() }

	res := c.pool.Run(ctx, []worker.Task{
		{Name: "fetch", Run: markDone(fetching, c.fetchWorker(r, fetchLoop)), Replicas: nFetch},
		{Name: "standardize", Run: markDone(standardizing, c.standardizeWorker(r, standardizeLoop)), Replicas: nStandardize},
		{Name: "save", Run: c.saveWorker(r, saveLoop), Replicas: replicas(c.settings.Save.Replicas)},
	}, 1)
	// the fetch workers may all be gone while the feeder waits for a slot
	stopFeeding()
	<-fed

	// left behind by a cancelled run or a stage whose workers all failed
	left := len(c.hours.Drain()) + len(c.raw.Drain()) + len(c.saves.Drain())
	return res, left
}

func markDone(p *worker.Producers, run func(context.Context, string) error) func(context.Context, string) error {
	return func(ctx context.Context, id string) error {
		defer p.Done()
		return run(ctx, id)
	}
}

func (c *Connector) fetchWorker(r *run, loop worker.LoopConfig) func(context.Context, string) error {
	return func(ctx context.Context, id string) error {
		log := c.log.WithFields(logrus.Fields{"run_id": r.id, "worker": id})
		_, err := worker.RunLoop(ctx, c.hours, loop, log, func(ctx context.Context, task gaps.HourTask) error {
			var files []models.RawFile
			err := worker.Retry(ctx, c.settings.Retry, func(int) error {
				var ferr error
				files, ferr = c.fetcher.Fetch(ctx, task)
				return ferr
			})
			if err != nil {
				r.counters.fetchFailed.Add(1)
				c.metrics.StageItem(c.settings.Name, "fetch", metrics.Failed)
				return fmt.Errorf("fetch %s: %w", models.HourKey(task.Hour, c.settings.Location), err)
			}

			for i := range files {
				raw := files[i]
				if len(raw.Meters) == 0 {
					raw.Meters = task.Meters
				}
				if err := c.raw.Put(ctx, raw); err != nil {
					return err
				}
				if raw.Fresh {
					if err := c.saves.Put(ctx, saveItem{raw: &raw}); err != nil {
						return err
					}
				}
			}
			r.counters.fetched.Add(int64(len(files)))
			c.metrics.StageItem(c.settings.Name, "fetch", metrics.OK)
			return nil
		})
		return err
	}
}

func (c *Connector) standardizeWorker(r *run, loop worker.LoopConfig) func(context.Context, string) error {
	return func(ctx context.Context, id string) error {
		log := c.log.WithFields(logrus.Fields{"run_id": r.id, "worker": id})
		_, err := worker.RunLoop(ctx, c.raw, loop, log, func(ctx context.Context, raw models.RawFile) error {
			var errs []error
			for _, meter := range raw.Meters {
				if err := c.standardize(ctx, r, raw, meter); err != nil {
					r.counters.standardizeFailed.Add(1)
					c.metrics.StageItem(c.settings.Name, "standardize", metrics.Failed)
					errs = append(errs, fmt.Errorf("meter %s: %w", meter.Name, err))
				}
			}
			return errors.Join(errs...)
		})
		return err
	}
}

func (c *Connector) standardize(ctx context.Context, r *run, raw models.RawFile, meter models.MeterDescriptor) error {
	fn, ok := c.standardizers[meter.NormalizedType()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedMeterType, meter.Type)
	}
	records, err := fn(ctx, raw, meter)
	if err != nil {
		return err
	}
	for i := range records {
		rec := records[i]
		if rec.Location.Bucket == "" {
			rec.Location = meter.Standardized
		}
		if rec.Descriptor.Name == "" {
			rec.Descriptor = meter
		}
		if err := c.saves.Put(ctx, saveItem{record: &rec}); err != nil {
			return err
		}
	}
	r.counters.standardized.Add(int64(len(records)))
	c.metrics.StageItem(c.settings.Name, "standardize", metrics.OK)
	return nil
}

func (c *Connector) saveWorker(r *run, loop worker.LoopConfig) func(context.Context, string) error {
	return func(ctx context.Context, id string) error {
		log := c.log.WithFields(logrus.Fields{"run_id": r.id, "worker": id})
		_, err := worker.RunLoop(ctx, c.saves, loop, log, func(ctx context.Context, item saveItem) error {
			var err error
			switch {
			case item.record != nil:
				err = c.saveRecord(ctx, r, *item.record)
			case item.raw != nil:
				err = c.saveRaw(ctx, r, *item.raw)
			}
			if err != nil {
				r.counters.saveFailed.Add(1)
				c.metrics.StageItem(c.settings.Name, "save", metrics.Failed)
				return err
			}
			c.metrics.StageItem(c.settings.Name, "save", metrics.OK)
			return nil
		})
		return err
	}
}

func (c *Connector) put(ctx context.Context, bucket, key string, body []byte) error {
	return worker.Retry(ctx, c.settings.Retry, func(int) error {
		return c.store.Put(ctx, bucket, key, body)
	})
}

func (c *Connector) saveRecord(ctx context.Context, r *run, rec models.CanonicalRecord) error {
	if err := c.put(ctx, rec.Location.Bucket, rec.Key(), rec.Body); err != nil {
		return fmt.Errorf("save %s/%s: %w", rec.Location.Bucket, rec.Key(), err)
	}
	r.counters.savedCanonical.Add(1)

	r.canonical.Add(updates.Item{
		Destination: rec.Location,
		Entry: models.ManifestEntry{
			Bucket:   rec.Location.Bucket,
			Path:     rec.Location.Dir(),
			Filename: rec.Filename,
		},
		Update: &models.UpdateRow{
			HourID:        models.HourID(rec.Meter.StartTime),
			MeterID:       rec.Descriptor.ID,
			ParticipantID: c.settings.ParticipantID,
			Data:          rec.Meter.Usage,
		},
	})
	if hour, err := models.ParseHourKey(rec.Filename, c.settings.Location); err == nil {
		c.detector.MarkPresent(rec.Location, hour)
	}
	return nil
}

func (c *Connector) saveRaw(ctx context.Context, r *run, raw models.RawFile) error {
	key := raw.Location.Key(raw.Filename)
	if err := c.put(ctx, raw.Location.Bucket, key, raw.Body); err != nil {
		return fmt.Errorf("save raw %s/%s: %w", raw.Location.Bucket, key, err)
	}
	r.counters.savedRaw.Add(1)

	r.raw.Add(updates.Item{
		Destination: raw.Location,
		Entry: models.ManifestEntry{
			Bucket:   raw.Location.Bucket,
			Path:     raw.Location.Dir(),
			Filename: raw.Filename,
		},
	})
	return nil
}
