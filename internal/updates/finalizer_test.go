package updates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/queue"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) List(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	args := m.Called(ctx, bucket, prefix)
	objs, _ := args.Get(0).([]storage.Object)
	return objs, args.Error(1)
}

func (m *mockStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	args := m.Called(ctx, bucket, key)
	body, _ := args.Get(0).([]byte)
	return body, args.Error(1)
}

func (m *mockStore) Put(ctx context.Context, bucket, key string, body []byte) error {
	return m.Called(ctx, bucket, key, body).Error(0)
}

func (m *mockStore) Move(ctx context.Context, bucket, src, dst string) error {
	return m.Called(ctx, bucket, src, dst).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, bucket, key string) error {
	return m.Called(ctx, bucket, key).Error(0)
}

func (m *mockStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	return m.Called(ctx, bucket, prefix).Error(0)
}

func (m *mockStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	args := m.Called(ctx, bucket, key)
	return args.Bool(0), args.Error(1)
}

var pending = models.ManifestRef{Bucket: "std", Path: "meters/1/updates", Filename: "updates-0-2024-01-01T05:00:00-run1"}

const processedKey = "meters/1/updates/processed-0-2024-01-01T05:00:00-run1"

func countingSleep(n *int) func(context.Context, time.Duration) error {
	return func(context.Context, time.Duration) error {
		*n++
		return nil
	}
}

func TestFinalizeRetriesTransientMoveFailures(t *testing.T) {
	store := new(mockStore)
	transient := errors.New("503 slow down")
	store.On("Move", mock.Anything, "std", pending.Key(), processedKey).Return(transient).Times(2)
	store.On("Move", mock.Anything, "std", pending.Key(), processedKey).Return(nil).Once()

	sleeps := 0
	f := NewFinalizer(store, worker.RetryPolicy{MaxAttempts: 3, Delay: time.Second, Sleep: countingSleep(&sleeps)}, nil, quietLog())

	dst, err := f.Finalize(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, processedKey, dst.Key())
	assert.Equal(t, 2, sleeps)
	store.AssertNumberOfCalls(t, "Move", 3)
	store.AssertExpectations(t)
}

type partialMoveStore struct {
	*storage.MemoryStore
	moves int
	// cancel, when set, is called after the copy.
	cancel context.CancelFunc
}

// Move copies but fails before removing the source.
func (s *partialMoveStore) Move(ctx context.Context, bucket, src, dst string) error {
	s.moves++
	body, err := s.MemoryStore.Get(ctx, bucket, src)
	if err != nil {
		return err
	}
	if err := s.MemoryStore.Put(ctx, bucket, dst, body); err != nil {
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	return errors.New("remove failed")
}

func TestFinalizeNeverLeavesBothCopies(t *testing.T) {
	for _, budget := range []int{1, 2, 3, 5} {
		store := &partialMoveStore{MemoryStore: storage.NewMemoryStore()}
		require.NoError(t, store.Put(context.Background(), "std", pending.Key(), []byte(`{"files":[]}`)))

		sleeps := 0
		f := NewFinalizer(store, worker.RetryPolicy{MaxAttempts: budget, Delay: time.Millisecond, Sleep: countingSleep(&sleeps)}, nil, quietLog())
		_, err := f.Finalize(context.Background(), pending)

		assert.Error(t, err)
		assert.Equal(t, budget, store.moves)
		assert.Equal(t, budget-1, sleeps)
		assert.Equal(t, []string{pending.Key()}, store.Keys("std"), "manifest stays pending only")
	}
}

func TestFinalizeRollsBackAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &partialMoveStore{MemoryStore: storage.NewMemoryStore(), cancel: cancel}
	require.NoError(t, store.Put(context.Background(), "std", pending.Key(), []byte(`{"files":[]}`)))

	f := NewFinalizer(store, worker.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, nil, quietLog())
	_, err := f.Finalize(ctx, pending)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.moves)
	assert.Equal(t, []string{pending.Key()}, store.Keys("std"), "partial copy is removed after shutdown")
}

func TestFinalizeSucceedsWithMemoryStore(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "std", pending.Key(), []byte(`{}`)))

	f := NewFinalizer(store, worker.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, nil, quietLog())
	_, err := f.Finalize(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, []string{processedKey}, store.Keys("std"))

	// already moved by an earlier run
	_, err = f.Finalize(context.Background(), pending)
	assert.NoError(t, err)
}

func TestFinalizeMissingManifest(t *testing.T) {
	store := storage.NewMemoryStore()
	f := NewFinalizer(store, worker.RetryPolicy{MaxAttempts: 3, Delay: time.Hour}, nil, quietLog())

	_, err := f.Finalize(context.Background(), pending)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinalizerRun(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "std", pending.Key(), []byte(`{}`)))

	q := queue.New[models.ManifestRef](0)
	q.TryPut(pending)
	q.TryPut(models.ManifestRef{Bucket: "std", Path: "meters/1/updates", Filename: "processed-9"})
	q.TryPut(models.ManifestRef{Bucket: "std", Path: "meters/1/updates", Filename: "updates-9-missing"})

	f := NewFinalizer(store, worker.RetryPolicy{MaxAttempts: 1}, nil, quietLog())
	stats, err := f.Run(ctx, q, worker.LoopConfig{MaxIdleRuns: 1})
	require.NoError(t, err)

	assert.Equal(t, FinalizeStats{Moved: 1, Skipped: 1, Failed: 1}, stats)
	assert.Equal(t, []string{processedKey}, store.Keys("std"))
}
