package api

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/pipeline"
)

// Aggregation reduces the readings of one hour to its usage.
type Aggregation func(points []Point) float64

// Delta is the consumption of a cumulative counter.
func Delta(points []Point) float64 {
	lo, hi := points[0].Value, points[0].Value
	for _, p := range points[1:] {
		if p.Value < lo {
			lo = p.Value
		}
		if p.Value > hi {
			hi = p.Value
		}
	}
	return hi - lo
}

// Mean is the average of instantaneous readings.
func Mean(points []Point) float64 {
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

// Standardizers returns the registry of supported meter types.
func Standardizers(createdBy string, loc *time.Location) pipeline.Registry {
	return pipeline.Registry{
		"electric":    Standardizer(createdBy, loc, Delta),
		"gas":         Standardizer(createdBy, loc, Delta),
		"water":       Standardizer(createdBy, loc, Delta),
		"temperature": Standardizer(createdBy, loc, Mean),
		"occupancy":   Standardizer(createdBy, loc, Mean),
	}
}

// Standardizer builds a StandardizeFunc producing one canonical record per
// hour covered by the raw payload.
func Standardizer(createdBy string, loc *time.Location, agg Aggregation) pipeline.StandardizeFunc {
	if loc == nil {
		loc = time.UTC
	}
	return func(_ context.Context, raw models.RawFile, meter models.MeterDescriptor) ([]models.CanonicalRecord, error) {
		var resp APIResponse
		if err := json.Unmarshal(raw.Body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", raw.Filename, err)
		}

		byHour := make(map[int64][]Point)
		for _, p := range resp.Result {
			h := models.TruncateHour(time.Unix(p.Time, 0), loc)
			byHour[h.Unix()] = append(byHour[h.Unix()], p)
		}

		now := time.Now().UTC()
		var records []models.CanonicalRecord
		for _, hour := range raw.Hours {
			hour = models.TruncateHour(hour, loc)
			points := byHour[hour.Unix()]
			if len(points) == 0 {
				continue
			}

			m := models.Meter{
				MeterURI:  meter.URI,
				MeterID:   meter.ID,
				StartTime: hour,
				EndTime:   hour.Add(time.Hour - time.Second),
				Usage:     agg(points),
				CreatedBy: createdBy,
				CreatedAt: now,
			}
			body, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			records = append(records, models.CanonicalRecord{
				Filename:   models.HourKey(hour, loc),
				Location:   meter.Standardized,
				Body:       body,
				Meter:      m,
				Descriptor: meter,
			})
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%s: %w", raw.Filename, ErrEmptyResponse)
		}
		return records, nil
	}
}
