// Package metrics defines the Prometheus collectors of the service. Every
// method is safe on a nil *Collectors so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meterflow"

// Outcome labels.
const (
	OK      = "ok"
	Failed  = "failed"
	Skipped = "skipped"
)

type Collectors struct {
	StageItems     *prometheus.CounterVec
	MissingHours   *prometheus.CounterVec
	Manifests      *prometheus.CounterVec
	FinalizerMoves *prometheus.CounterVec
	WorkerFailures *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	LoadedRows     prometheus.Counter
	Requests       *prometheus.CounterVec
	Latency        *prometheus.HistogramVec
}

func New() *Collectors {
	return &Collectors{
		StageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_items_total",
			Help:      "Items handled by pipeline stages",
		}, []string{"connector", "stage", "outcome"}),
		MissingHours: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_hours_total",
			Help:      "Meter hours found missing by gap detection",
		}, []string{"connector"}),
		Manifests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_manifests_total",
			Help:      "Update manifests uploaded",
		}, []string{"connector", "kind", "outcome"}),
		FinalizerMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizer_moves_total",
			Help:      "Update manifests moved to the processed prefix",
		}, []string{"outcome"}),
		WorkerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Worker replicas that returned an error or panicked",
		}, []string{"connector", "role"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of connector and loader runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"connector"}),
		LoadedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loaded_rows_total",
			Help:      "Rows upserted into the warehouse",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and code",
		}, []string{"method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// MustRegister registers every collector with reg.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.StageItems,
		c.MissingHours,
		c.Manifests,
		c.FinalizerMoves,
		c.WorkerFailures,
		c.RunDuration,
		c.LoadedRows,
		c.Requests,
		c.Latency,
	)
}

func (c *Collectors) StageItem(connector, stage, outcome string) {
	if c == nil {
		return
	}
	c.StageItems.WithLabelValues(connector, stage, outcome).Inc()
}

func (c *Collectors) Missing(connector string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.MissingHours.WithLabelValues(connector).Add(float64(n))
}

func (c *Collectors) Manifest(connector, kind, outcome string) {
	if c == nil {
		return
	}
	c.Manifests.WithLabelValues(connector, kind, outcome).Inc()
}

func (c *Collectors) FinalizerMove(outcome string) {
	if c == nil {
		return
	}
	c.FinalizerMoves.WithLabelValues(outcome).Inc()
}

func (c *Collectors) WorkerFailed(connector, role string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.WorkerFailures.WithLabelValues(connector, role).Add(float64(n))
}

func (c *Collectors) ObserveRun(connector string, d time.Duration) {
	if c == nil {
		return
	}
	c.RunDuration.WithLabelValues(connector).Observe(d.Seconds())
}

func (c *Collectors) RowsLoaded(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.LoadedRows.Add(float64(n))
}

func (c *Collectors) ObserveRequest(method, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(method, code).Inc()
	c.Latency.WithLabelValues(method).Observe(d.Seconds())
}
