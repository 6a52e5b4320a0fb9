// Package gaps finds the hours for which a meter has no canonical record in
// storage yet.
//
// Canonical records are stored one per hour, named after models.HourKey,
// directly under the meter's standardized path. An hour is missing when no
// such object exists. Missing hours are always returned most recent first.
package gaps

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/queue"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// Detector compares expected hour ranges with storage contents.
type Detector struct {
	store storage.Storage
	cache *HourCache
	loc   *time.Location
	log   *logrus.Entry
}

// NewDetector creates a detector. cache may be nil to disable caching; loc
// is the zone hour keys are written in.
func NewDetector(store storage.Storage, cache *HourCache, loc *time.Location, log *logrus.Entry) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Detector{store: store, cache: cache, loc: loc, log: log}
}

// Location returns the zone of the hour keys.
func (d *Detector) Location() *time.Location {
	return d.loc
}

// Candidates returns the hours of [start, end] that fall inside the
// lookback window ending at end, ascending. A lookback of zero or less
// yields no hours.
func (d *Detector) Candidates(start, end time.Time, lookback int) []time.Time {
	if lookback <= 0 {
		return nil
	}
	start = models.TruncateHour(start, d.loc)
	end = models.TruncateHour(end, d.loc)
	if oldest := end.Add(-time.Duration(lookback-1) * time.Hour); start.Before(oldest) {
		start = oldest
	}
	return models.HourRange(start, end)
}

// Missing returns the hours of [start, end] without a canonical record for
// meter, clipped to the lookback window and sorted most recent first.
// Storage failures are logged and every candidate hour is reported missing.
func (d *Detector) Missing(ctx context.Context, meter models.MeterDescriptor, start, end time.Time, lookback int) []time.Time {
	candidates := d.Candidates(start, end, lookback)
	if len(candidates) == 0 {
		return nil
	}

	present := d.present(ctx, meter.Standardized)
	missing := make([]time.Time, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		if _, ok := present[candidates[i].Unix()]; !ok {
			missing = append(missing, candidates[i])
		}
	}
	return missing
}

// Query answers the gap query for a bare location: the missing hours of the
// lookback window ending at from, most recent first.
func (d *Detector) Query(ctx context.Context, bucket, path string, from time.Time, lookback int) []time.Time {
	meter := models.MeterDescriptor{Standardized: models.StorageInfo{Bucket: bucket, Path: path}}
	return d.Missing(ctx, meter, from.Add(-time.Duration(lookback)*time.Hour), from, lookback)
}

// MarkPresent records a freshly saved hour in the cache.
func (d *Detector) MarkPresent(info models.StorageInfo, hour time.Time) {
	if d.cache != nil {
		d.cache.MarkPresent(info.String(), models.TruncateHour(hour, d.loc))
	}
}

func (d *Detector) present(ctx context.Context, info models.StorageInfo) map[int64]struct{} {
	key := info.String()
	if d.cache != nil {
		if hours, ok := d.cache.Get(key); ok {
			return hours
		}
	}

	objects, err := d.store.List(ctx, info.Bucket, storage.DirPrefix(info.Path))
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"bucket": info.Bucket,
			"path":   info.Dir(),
		}).WithError(err).Warn("Failed to list standardized files, treating every hour as missing")
		return map[int64]struct{}{}
	}

	var hours []time.Time
	for _, name := range storage.Children(objects, info.Path) {
		h, err := models.ParseHourKey(name, d.loc)
		if err != nil {
			continue
		}
		hours = append(hours, h)
	}

	if d.cache != nil {
		d.cache.Set(key, hours)
	}
	set := make(map[int64]struct{}, len(hours))
	for _, h := range hours {
		set[h.Unix()] = struct{}{}
	}
	return set
}

// HourTask is one missing hour and the meters that lack it.
type HourTask struct {
	Hour   time.Time
	Meters []models.MeterDescriptor
}

// ReconcileOptions controls a multi-meter reconciliation.
type ReconcileOptions struct {
	Start    time.Time
	End      time.Time
	Lookback int
	Replicas int
	Loop     worker.LoopConfig
}

// Reconcile checks every meter and groups the result by hour. Tasks are
// sorted most recent first; meters within a task keep their input order.
func (d *Detector) Reconcile(ctx context.Context, pool *worker.Pool, meters []models.MeterDescriptor, opts ReconcileOptions) []HourTask {
	type indexed struct {
		pos   int
		meter models.MeterDescriptor
	}

	q := queue.New[indexed](0)
	for i, m := range meters {
		q.TryPut(indexed{pos: i, meter: m})
	}

	var mu sync.Mutex
	byHour := make(map[int64][]indexed)

	reconcile := func(ctx context.Context, id string) error {
		log := d.log.WithField("worker", id)
		_, err := worker.RunLoop(ctx, q, opts.Loop, log, func(ctx context.Context, it indexed) error {
			missing := d.Missing(ctx, it.meter, opts.Start, opts.End, opts.Lookback)
			log.WithFields(logrus.Fields{
				"meter":   it.meter.Name,
				"missing": len(missing),
			}).Debug("Reconciled meter")

			mu.Lock()
			defer mu.Unlock()
			for _, h := range missing {
				byHour[h.Unix()] = append(byHour[h.Unix()], it)
			}
			return nil
		})
		return err
	}
	pool.Run(ctx, []worker.Task{{Name: "gaps", Run: reconcile}}, opts.Replicas)

	tasks := make([]HourTask, 0, len(byHour))
	for unix, items := range byHour {
		sort.Slice(items, func(i, j int) bool { return items[i].pos < items[j].pos })
		task := HourTask{Hour: time.Unix(unix, 0).In(d.loc)}
		for _, it := range items {
			task.Meters = append(task.Meters, it.meter)
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Hour.After(tasks[j].Hour) })
	return tasks
}
