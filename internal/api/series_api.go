package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/meterflow/internal/gaps"
	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// APIResponse is the series document returned by the vendor.
type APIResponse struct {
	Result []Point `json:"result"`
}

// Point is one reading; Time is a Unix timestamp in seconds.
type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

var (
	ErrUpstreamStatus = errors.New("unexpected status from series API")
	ErrEmptyResponse  = errors.New("series API returned no readings")
)

const DefaultTimeout = 30 * time.Second

// Config configures a series API client.
type Config struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Token     string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int           `mapstructure:"burst" yaml:"burst"`
	// BreakerFailures consecutive failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// Client fetches hourly series from the vendor API. Payloads already in raw
// storage are reused instead of being requested again.
type Client struct {
	cfg     Config
	raw     models.StorageInfo
	loc     *time.Location
	store   storage.Storage
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *logrus.Entry
}

func NewClient(cfg Config, raw models.StorageInfo, loc *time.Location, store storage.Storage, log *logrus.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "series_api")

	c := &Client{
		cfg:     cfg,
		raw:     raw,
		loc:     loc,
		store:   store,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cfg.BaseURL,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// rejected requests say nothing about upstream health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errClientStatus)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Series API circuit breaker changed state")
		},
	})
	return c
}

var errClientStatus = errors.New("client error")

// RawLocation is where payloads of meter are kept.
func (c *Client) RawLocation(meter models.MeterDescriptor) models.StorageInfo {
	return c.raw.Join(meter.Name)
}

// Fetch returns one raw payload per meter of task. Meters that fail are
// logged and left out; an error is returned only when no meter succeeded.
func (c *Client) Fetch(ctx context.Context, task gaps.HourTask) ([]models.RawFile, error) {
	var (
		files []models.RawFile
		errs  []error
	)
	for _, meter := range task.Meters {
		f, err := c.fetchMeter(ctx, meter, task.Hour)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"meter": meter.Name,
				"hour":  models.HourKey(task.Hour, c.loc),
			}).WithError(err).Error("Failed to fetch meter data")
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return files, nil
}

func (c *Client) fetchMeter(ctx context.Context, meter models.MeterDescriptor, hour time.Time) (models.RawFile, error) {
	hour = models.TruncateHour(hour, c.loc)
	file := models.RawFile{
		Filename: models.HourKey(hour, c.loc),
		Location: c.RawLocation(meter),
		Meters:   []models.MeterDescriptor{meter},
		Hours:    []time.Time{hour},
	}

	if c.store != nil {
		body, err := c.store.Get(ctx, file.Location.Bucket, file.Location.Key(file.Filename))
		switch {
		case err == nil:
			file.Body = body
			return file, nil
		case !errors.Is(err, storage.ErrNotFound):
			c.log.WithField("meter", meter.Name).WithError(err).Warn("Failed to read stored raw file, requesting it again")
		}
	}

	body, err := c.FetchSeries(ctx, meter.URI, hour, hour.Add(time.Hour))
	if err != nil {
		return file, err
	}
	file.Body = body
	file.Fresh = true
	return file, nil
}

// FetchSeries requests the readings of meterURI in [start, end) and returns
// the validated response body.
func (c *Client) FetchSeries(ctx context.Context, meterURI string, start, end time.Time) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("meter", meterURI)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	target := c.cfg.BaseURL + "?" + q.Encode()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.get(ctx, target)
	})
	if err != nil {
		return nil, err
	}

	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, worker.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(resp.Result) == 0 {
		return nil, worker.Permanent(ErrEmptyResponse)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, worker.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: got %d", ErrUpstreamStatus, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, worker.Permanent(fmt.Errorf("%w: %w", errClientStatus, err))
		}
		return nil, err
	}
	return body, nil
}
