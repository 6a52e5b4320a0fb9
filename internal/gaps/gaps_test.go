package gaps

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

type countingStore struct {
	*storage.MemoryStore
	lists   atomic.Int32
	listErr error
}

func (s *countingStore) List(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	s.lists.Add(1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.List(ctx, bucket, prefix)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func hour(h int) time.Time {
	return time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC)
}

func meter(name, path string) models.MeterDescriptor {
	return models.MeterDescriptor{
		Name:         name,
		Type:         "electric",
		Standardized: models.StorageInfo{Bucket: "std", Path: path},
	}
}

func seed(t *testing.T, s storage.Storage, m models.MeterDescriptor, hours ...time.Time) {
	t.Helper()
	for _, h := range hours {
		key := m.Standardized.Key(models.HourKey(h, time.UTC))
		require.NoError(t, s.Put(context.Background(), m.Standardized.Bucket, key, []byte("{}")))
	}
}

func newDetector(t *testing.T, s storage.Storage) *Detector {
	t.Helper()
	cache, err := NewHourCache(16, time.Minute)
	require.NoError(t, err)
	return NewDetector(s, cache, time.UTC, quietLog())
}

func TestMissingReturnsDescendingGaps(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	m := meter("main", "meters/1")
	seed(t, store, m, hour(0), hour(2), hour(4))

	d := newDetector(t, store)
	got := d.Missing(context.Background(), m, hour(0), hour(5), 24)

	assert.Equal(t, []time.Time{hour(5), hour(3), hour(1)}, got)
}

func TestMissingAcrossFallBack(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	m := meter("main", "meters/ny")
	d := NewDetector(store, nil, ny, quietLog())

	start := time.Date(2024, 11, 3, 0, 0, 0, 0, ny)
	end := time.Date(2024, 11, 3, 3, 0, 0, 0, ny)
	candidates := d.Candidates(start, end, 24)
	require.Len(t, candidates, 5, "01:00 occurs twice")

	keys := map[string]bool{}
	for _, h := range candidates {
		keys[models.HourKey(h, ny)] = true
	}
	assert.Len(t, keys, 5)

	for _, h := range candidates[:4] {
		require.NoError(t, store.Put(context.Background(), "std", m.Standardized.Key(models.HourKey(h, ny)), []byte("{}")))
	}
	assert.Equal(t, []time.Time{candidates[4]}, d.Missing(context.Background(), m, start, end, 24))

	require.NoError(t, store.Put(context.Background(), "std", m.Standardized.Key(models.HourKey(candidates[4], ny)), []byte("{}")))
	assert.Empty(t, d.Missing(context.Background(), m, start, end, 24))
}

func TestMissingIsIdempotent(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	m := meter("main", "meters/1")
	seed(t, store, m, hour(1), hour(3))

	for _, d := range []*Detector{newDetector(t, store), NewDetector(store, nil, time.UTC, quietLog())} {
		first := d.Missing(context.Background(), m, hour(0), hour(6), 24)
		second := d.Missing(context.Background(), m, hour(0), hour(6), 24)
		assert.Equal(t, first, second)
	}
}

func TestMissingClipsToLookback(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	m := meter("main", "meters/1")
	d := newDetector(t, store)

	got := d.Missing(context.Background(), m, hour(0), hour(5), 3)
	assert.Equal(t, []time.Time{hour(5), hour(4), hour(3)}, got)

	assert.Empty(t, d.Missing(context.Background(), m, hour(0), hour(5), 0))
	assert.Empty(t, d.Missing(context.Background(), m, hour(0), hour(5), -4))
	assert.Zero(t, store.lists.Load(), "disabled lookback does not touch storage")
}

func TestMissingIgnoresForeignObjects(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	m := meter("main", "meters/1")
	ctx := context.Background()
	seed(t, store, m, hour(2))
	require.NoError(t, store.Put(ctx, "std", "meters/1/updates/2024-01-01T01:00:00", nil))
	require.NoError(t, store.Put(ctx, "std", "meters/1/notes.txt", nil))
	require.NoError(t, store.Put(ctx, "std", "meters/10/2024-01-01T00:00:00", nil))

	got := newDetector(t, store).Missing(ctx, m, hour(0), hour(2), 24)
	assert.Equal(t, []time.Time{hour(1), hour(0)}, got)
}

func TestMissingDegradesOnListFailure(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore(), listErr: errors.New("storage unavailable")}
	m := meter("main", "meters/1")
	seed(t, store.MemoryStore, m, hour(1))
	d := newDetector(t, store)

	got := d.Missing(context.Background(), m, hour(0), hour(2), 24)
	assert.Equal(t, []time.Time{hour(2), hour(1), hour(0)}, got)

	store.listErr = nil
	got = d.Missing(context.Background(), m, hour(0), hour(2), 24)
	assert.Equal(t, []time.Time{hour(2), hour(0)}, got, "failed listings are not cached")
	assert.Equal(t, int32(2), store.lists.Load())
}

func TestMissingUsesCache(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	m := meter("main", "meters/1")
	seed(t, store, m, hour(0))
	d := newDetector(t, store)

	now := hour(12)
	d.cache.SetClock(func() time.Time { return now })

	d.Missing(context.Background(), m, hour(0), hour(3), 24)
	d.MarkPresent(m.Standardized, hour(3).Add(20*time.Minute))
	got := d.Missing(context.Background(), m, hour(0), hour(3), 24)

	assert.Equal(t, []time.Time{hour(2), hour(1)}, got)
	assert.Equal(t, int32(1), store.lists.Load())

	now = now.Add(2 * time.Minute)
	d.Missing(context.Background(), m, hour(0), hour(3), 24)
	assert.Equal(t, int32(2), store.lists.Load(), "expired entries trigger a new listing")
}

func TestQuery(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	m := meter("main", "meters/1")
	seed(t, store, m, hour(4))

	got := newDetector(t, store).Query(context.Background(), "std", "meters/1", hour(5).Add(30*time.Minute), 3)
	assert.Equal(t, []time.Time{hour(5), hour(3)}, got)
}

func TestReconcileGroupsMetersByHour(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	a := meter("a", "meters/a")
	b := meter("b", "meters/b")
	c := meter("c", "meters/c")
	seed(t, store, a, hour(0), hour(1), hour(2))
	seed(t, store, b, hour(1))
	seed(t, store, c, hour(0), hour(2))

	d := newDetector(t, store)
	tasks := d.Reconcile(context.Background(), worker.NewPool(4, quietLog()), []models.MeterDescriptor{a, b, c}, ReconcileOptions{
		Start:    hour(0),
		End:      hour(2),
		Lookback: 24,
		Replicas: 2,
		Loop:     worker.LoopConfig{MaxIdleRuns: 2, PollInterval: time.Millisecond},
	})

	require.Len(t, tasks, 3)
	assert.Equal(t, hour(2), tasks[0].Hour)
	assert.Equal(t, []models.MeterDescriptor{b}, tasks[0].Meters)
	assert.Equal(t, hour(1), tasks[1].Hour)
	assert.Equal(t, []models.MeterDescriptor{c}, tasks[1].Meters)
	assert.Equal(t, hour(0), tasks[2].Hour)
	assert.Equal(t, []models.MeterDescriptor{b}, tasks[2].Meters)

	seed(t, store, b, hour(2))
	d.cache.Purge()
	tasks = d.Reconcile(context.Background(), worker.NewPool(1, quietLog()), []models.MeterDescriptor{a, b, c}, ReconcileOptions{
		Start: hour(0), End: hour(2), Lookback: 24, Replicas: 1,
	})
	require.Len(t, tasks, 2)
	assert.Equal(t, hour(1), tasks[0].Hour)
	assert.Equal(t, hour(0), tasks[1].Hour)
	assert.Equal(t, []models.MeterDescriptor{b}, tasks[1].Meters)
}

func TestHourCacheEviction(t *testing.T) {
	c, err := NewHourCache(1, time.Hour)
	require.NoError(t, err)

	c.Set("a", []time.Time{hour(1)})
	c.Set("b", []time.Time{hour(2)})
	_, ok := c.Get("a")
	assert.False(t, ok)

	hours, ok := c.Get("b")
	require.True(t, ok)
	assert.Contains(t, hours, hour(2).Unix())

	c.MarkPresent("missing", hour(3))
	_, ok = c.Get("missing")
	assert.False(t, ok, "MarkPresent never creates entries")
}
