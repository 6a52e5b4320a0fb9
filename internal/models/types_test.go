package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateHour(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	ts := time.Date(2024, 1, 1, 10, 47, 13, 5, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), TruncateHour(ts, time.UTC))
	// 10:47 UTC is 16:17 in Kolkata.
	assert.Equal(t, time.Date(2024, 1, 1, 16, 0, 0, 0, kolkata), TruncateHour(ts, kolkata))
	assert.Equal(t, "2024-01-01T10:00:00", HourKey(ts, nil))
}

func TestParseHourKey(t *testing.T) {
	h, err := ParseHourKey("2024-01-01T05:00:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC), h)

	_, err = ParseHourKey("2024-01-01T05:30:00", time.UTC)
	assert.Error(t, err)

	_, err = ParseHourKey("updates", time.UTC)
	assert.Error(t, err)
}

func TestHourKeysAcrossFallBack(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 05:30 and 06:30 UTC are both 01:30 wall clock on 2024-11-03.
	first := TruncateHour(time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC), ny)
	second := TruncateHour(time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC), ny)
	assert.Equal(t, time.Hour, second.Sub(first))

	assert.Equal(t, "2024-11-03T01:00:00-04:00", HourKey(first, ny))
	assert.Equal(t, "2024-11-03T01:00:00-05:00", HourKey(second, ny))
	assert.NotEqual(t, HourID(first), HourID(second))

	for _, h := range []time.Time{first, second} {
		back, err := ParseHourKey(HourKey(h, ny), ny)
		require.NoError(t, err)
		assert.True(t, back.Equal(h))
	}

	_, err = ParseHourKey("2024-11-03T01:00:00", ny)
	assert.Error(t, err, "zoned keys need an offset")
}

func TestHourRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Len(t, HourRange(start, start.Add(5*time.Hour)), 6)
	assert.Len(t, HourRange(start, start), 1)
	assert.Empty(t, HourRange(start.Add(time.Hour), start))
}

func TestHourID(t *testing.T) {
	assert.Equal(t, int64(2024010105), HourID(time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)))
}

func TestStorageInfoKey(t *testing.T) {
	tests := []struct {
		name     string
		info     StorageInfo
		filename string
		want     string
	}{
		{"plain", StorageInfo{Bucket: "b", Path: "meters/electric"}, "f", "meters/electric/f"},
		{"slashes", StorageInfo{Bucket: "b", Path: "/meters/electric/"}, "f", "meters/electric/f"},
		{"root", StorageInfo{Bucket: "b"}, "f", "f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Key(tt.filename))
		})
	}

	ref := ManifestRef{Bucket: "b", Path: "m/updates", Filename: "updates-0-x"}
	assert.Equal(t, "m/updates/updates-0-x", ref.Key())
	assert.Equal(t, "b/m/updates/updates-0-x", ref.String())
}
