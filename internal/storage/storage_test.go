package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "b", "m/1/2024-01-01T00:00:00", []byte("x")))
	require.NoError(t, s.Put(ctx, "b", "m/1/2024-01-01T01:00:00", []byte("y")))
	require.NoError(t, s.Put(ctx, "b", "m/1/updates/updates-0", []byte("z")))
	require.NoError(t, s.Put(ctx, "b", "m/10/2024-01-01T00:00:00", []byte("w")))

	body, err := s.Get(ctx, "b", "m/1/2024-01-01T01:00:00")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), body)

	_, err = s.Get(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	objs, err := s.List(ctx, "b", DirPrefix("m/1"))
	require.NoError(t, err)
	assert.Len(t, objs, 3)
	assert.Equal(t, []string{"2024-01-01T00:00:00", "2024-01-01T01:00:00"}, Children(objs, "m/1"))

	ok, err := s.Exists(ctx, "b", "m/1/updates/updates-0")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreMove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "b", "u/updates-0", []byte("{}")))

	require.NoError(t, s.Move(ctx, "b", "u/updates-0", "u/processed-0"))
	assert.Equal(t, []string{"u/processed-0"}, s.Keys("b"))

	err := s.Move(ctx, "b", "u/updates-0", "u/processed-0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		require.NoError(t, s.Put(ctx, "bkt", k, nil))
	}

	require.NoError(t, s.DeletePrefix(ctx, "bkt", "a/"))
	assert.Equal(t, []string{"b/1"}, s.Keys("bkt"))

	assert.ErrorIs(t, s.Delete(ctx, "bkt", "a/1"), ErrNotFound)
	require.NoError(t, s.Delete(ctx, "bkt", "b/1"))
	assert.Empty(t, s.Keys("bkt"))
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().List(ctx, "b", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"meters/1", "meters/1/"},
		{"meters/1/", "meters/1/"},
		{"/meters/1//", "meters/1/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, DirPrefix(tt.in))
		})
	}
}

func TestMinioNotFoundMapping(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: 404}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}))
	assert.False(t, isNotFound(errors.New("dial tcp: refused")))

	err := wrapErr("get", "b", "k", minio.ErrorResponse{Code: "NoSuchKey"})
	assert.ErrorIs(t, err, ErrNotFound)
}
