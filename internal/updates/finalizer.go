package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/metrics"
	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/queue"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// ErrNotPending is returned for refs that are not pending manifests.
var ErrNotPending = errors.New("not a pending update manifest")

// RollbackTimeout bounds the cleanup of a partial move. Cleanup runs even
// after ctx is cancelled.
const RollbackTimeout = 10 * time.Second

// ProcessedName maps a pending manifest name to its processed name.
func ProcessedName(filename string) (string, bool) {
	if !strings.HasPrefix(filename, PendingToken) {
		return "", false
	}
	return strings.Replace(filename, PendingToken, ProcessedToken, 1), true
}

// FinalizeStats counts finalizer outcomes.
type FinalizeStats struct {
	Moved   int
	Skipped int
	Failed  int
}

// Finalizer moves consumed manifests from the pending to the processed
// name in the same directory.
type Finalizer struct {
	store   storage.Storage
	retry   worker.RetryPolicy
	log     *logrus.Entry
	metrics *metrics.Collectors
}

func NewFinalizer(store storage.Storage, retry worker.RetryPolicy, m *metrics.Collectors, log *logrus.Entry) *Finalizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Finalizer{store: store, retry: retry, log: log, metrics: m}
}

// Finalize moves one manifest. On failure the manifest stays pending, and a
// copy left at the processed name by a partial move is removed.
func (f *Finalizer) Finalize(ctx context.Context, ref models.ManifestRef) (models.ManifestRef, error) {
	name, ok := ProcessedName(ref.Filename)
	if !ok {
		return ref, fmt.Errorf("%s: %w", ref, ErrNotPending)
	}
	dst := models.ManifestRef{Bucket: ref.Bucket, Path: ref.Path, Filename: name}

	err := worker.Retry(ctx, f.retry, func(attempt int) error {
		err := f.store.Move(ctx, ref.Bucket, ref.Key(), dst.Key())
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			// an earlier attempt may have moved it before failing
			if done, xerr := f.store.Exists(ctx, dst.Bucket, dst.Key()); xerr == nil && done {
				return nil
			}
			return worker.Permanent(err)
		}
		f.log.WithFields(logrus.Fields{
			"manifest": ref.String(),
			"attempt":  attempt,
		}).WithError(err).Warn("Failed to move update manifest")
		return err
	})
	if err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RollbackTimeout)
		defer cancel()
		f.rollback(rctx, ref, dst)
		return ref, err
	}
	return dst, nil
}

func (f *Finalizer) rollback(ctx context.Context, src, dst models.ManifestRef) {
	srcOK, err := f.store.Exists(ctx, src.Bucket, src.Key())
	if err != nil || !srcOK {
		return
	}
	dstOK, err := f.store.Exists(ctx, dst.Bucket, dst.Key())
	if err != nil || !dstOK {
		return
	}
	if err := f.store.Delete(ctx, dst.Bucket, dst.Key()); err != nil {
		f.log.WithField("manifest", dst.String()).WithError(err).Error("Failed to remove partial copy of update manifest")
	}
}

// Run finalizes refs from q until the queue stays idle.
func (f *Finalizer) Run(ctx context.Context, q *queue.Queue[models.ManifestRef], cfg worker.LoopConfig) (FinalizeStats, error) {
	var stats FinalizeStats
	_, err := worker.RunLoop(ctx, q, cfg, f.log, func(ctx context.Context, ref models.ManifestRef) error {
		_, err := f.Finalize(ctx, ref)
		switch {
		case err == nil:
			stats.Moved++
			f.metrics.FinalizerMove(metrics.OK)
			return nil
		case errors.Is(err, ErrNotPending):
			stats.Skipped++
			f.metrics.FinalizerMove(metrics.Skipped)
			f.log.WithField("manifest", ref.String()).Warn("Skipping manifest without the pending prefix")
			return nil
		default:
			stats.Failed++
			f.metrics.FinalizerMove(metrics.Failed)
			return err
		}
	})
	return stats, err
}
