package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/tejusbharadwaj/meterflow/internal/models"
)

// Report summarises one run. A run with failures is still a normal
// outcome; the counters tell how much it achieved.
type Report struct {
	Connector string
	RunID     string
	RunTime   time.Time
	Elapsed   time.Duration

	MissingHours      int
	MissingMeterHours int

	Fetched           int64
	FetchFailed       int64
	Standardized      int64
	StandardizeFailed int64
	SavedRaw          int64
	SavedCanonical    int64
	SaveFailed        int64

	Manifests       []models.ManifestRef
	ManifestsFailed int
	WorkerFailures  int

	// Unprocessed counts queue items no worker picked up before the run
	// ended.
	Unprocessed int
}

type counters struct {
	fetched           atomic.Int64
	fetchFailed       atomic.Int64
	standardized      atomic.Int64
	standardizeFailed atomic.Int64
	savedRaw          atomic.Int64
	savedCanonical    atomic.Int64
	saveFailed        atomic.Int64
}

func (c *counters) fill(r *Report) {
	r.Fetched = c.fetched.Load()
	r.FetchFailed = c.fetchFailed.Load()
	r.Standardized = c.standardized.Load()
	r.StandardizeFailed = c.standardizeFailed.Load()
	r.SavedRaw = c.savedRaw.Load()
	r.SavedCanonical = c.savedCanonical.Load()
	r.SaveFailed = c.saveFailed.Load()
}
