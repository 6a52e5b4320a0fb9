package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tejusbharadwaj/meterflow/internal/gaps"
	"github.com/tejusbharadwaj/meterflow/internal/models"
)

var (
	// ErrFatal marks failures that stop a run before any worker starts.
	ErrFatal = errors.New("fatal connector error")
	// ErrUnsupportedMeterType is returned for meter types without a
	// standardizer.
	ErrUnsupportedMeterType = errors.New("unsupported meter type")
	// ErrAlreadyRunning is returned when Run is called on a busy connector.
	ErrAlreadyRunning = errors.New("connector is already running")
)

// Fetcher pulls the raw payloads of one missing hour. Implementations must
// be safe for concurrent use by all fetch replicas.
type Fetcher interface {
	Fetch(ctx context.Context, task gaps.HourTask) ([]models.RawFile, error)
}

// Preparer is implemented by fetchers that need a setup step per run, such
// as obtaining an access token. A failing Prepare aborts the run.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// StandardizeFunc converts a raw payload into canonical records of meter.
type StandardizeFunc func(ctx context.Context, raw models.RawFile, meter models.MeterDescriptor) ([]models.CanonicalRecord, error)

// Registry maps normalized meter types to their standardizer.
type Registry map[string]StandardizeFunc

// Resolve returns the standardizer of meterType.
func (r Registry) Resolve(meterType string) (StandardizeFunc, error) {
	fn, ok := r[models.NormalizeType(meterType)]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMeterType, meterType)
	}
	return fn, nil
}

// Types lists the registered meter types, sorted.
func (r Registry) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// bind resolves a standardizer for every meter.
func (r Registry) bind(meters []models.MeterDescriptor) (map[string]StandardizeFunc, error) {
	bound := make(map[string]StandardizeFunc)
	for _, m := range meters {
		fn, err := r.Resolve(m.Type)
		if err != nil {
			return nil, fmt.Errorf("meter %s: %w", m.Name, err)
		}
		bound[m.NormalizedType()] = fn
	}
	return bound, nil
}
