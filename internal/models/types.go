package models

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	// HourLayout formats UTC hour keys. Canonical records are named after it.
	HourLayout = "2006-01-02T15:04:05"
	// ZonedHourLayout formats hour keys of other zones. The offset keeps the
	// repeated hour of a DST fall-back distinct.
	ZonedHourLayout = HourLayout + "-07:00"
	// HourIDLayout formats the numeric hour id used by the warehouse.
	HourIDLayout = "2006010215"
)

// TruncateHour aligns t to :00:00 of its wall-clock hour in loc, including
// zones with sub-hour offsets. The offset in effect at t is kept, so both
// 01:00 hours of a fall-back day stay distinct.
func TruncateHour(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return t.Add(-(time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())))
}

func isUTC(loc *time.Location) bool {
	return loc == nil || loc == time.UTC
}

// HourKey returns the storage filename of the hour containing t. Keys of
// zones other than UTC carry the UTC offset.
func HourKey(t time.Time, loc *time.Location) string {
	if isUTC(loc) {
		return TruncateHour(t, loc).Format(HourLayout)
	}
	return TruncateHour(t, loc).Format(ZonedHourLayout)
}

// ParseHourKey parses a filename produced by HourKey. Keys that are not
// aligned to the hour are rejected.
func ParseHourKey(key string, loc *time.Location) (time.Time, error) {
	var (
		t   time.Time
		err error
	)
	if isUTC(loc) {
		t, err = time.ParseInLocation(HourLayout, key, time.UTC)
	} else if t, err = time.Parse(ZonedHourLayout, key); err == nil {
		t = t.In(loc)
	}
	if err != nil {
		return time.Time{}, err
	}
	if t.Minute() != 0 || t.Second() != 0 {
		return time.Time{}, fmt.Errorf("hour key %q is not aligned to the hour", key)
	}
	return t, nil
}

// HourID returns the warehouse hour id (YYYYMMDDHH) of t, in UTC so that
// every hour of a DST change gets its own id.
func HourID(t time.Time) int64 {
	id, _ := strconv.ParseInt(t.UTC().Format(HourIDLayout), 10, 64)
	return id
}

// HourRange returns every hour from start to end inclusive, ascending.
func HourRange(start, end time.Time) []time.Time {
	if start.After(end) {
		return nil
	}
	hours := make([]time.Time, 0, int(end.Sub(start)/time.Hour)+1)
	for h := start; !h.After(end); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}
	return hours
}

// StorageInfo is a bucket plus a path prefix inside it.
type StorageInfo struct {
	Bucket string `json:"bucket" mapstructure:"bucket" yaml:"bucket"`
	Path   string `json:"path" mapstructure:"path" yaml:"path"`
}

// Key returns the object key of filename under the path prefix.
func (s StorageInfo) Key(filename string) string {
	return strings.TrimPrefix(path.Join(strings.Trim(s.Path, "/"), filename), "/")
}

// Dir returns the cleaned path prefix without leading or trailing slashes.
func (s StorageInfo) Dir() string {
	return strings.Trim(s.Path, "/")
}

// Join returns a location nested under s.
func (s StorageInfo) Join(elem string) StorageInfo {
	return StorageInfo{Bucket: s.Bucket, Path: path.Join(s.Dir(), elem)}
}

func (s StorageInfo) String() string {
	return fmt.Sprintf("%s/%s", s.Bucket, s.Dir())
}

// MeterDescriptor identifies a meter and where its canonical records live.
// Descriptors are loaded from configuration and never modified by workers.
type MeterDescriptor struct {
	Name         string      `json:"name" mapstructure:"name" yaml:"name"`
	ID           int64       `json:"id" mapstructure:"id" yaml:"id"`
	URI          string      `json:"uri" mapstructure:"uri" yaml:"uri"`
	Type         string      `json:"type" mapstructure:"type" yaml:"type"`
	Standardized StorageInfo `json:"standardized" mapstructure:"standardized" yaml:"standardized"`
}

// CacheKey identifies the canonical location of the meter.
func (m MeterDescriptor) CacheKey() string {
	return m.Standardized.String()
}

// NormalizedType is the lower-cased, underscore separated meter type.
func (m MeterDescriptor) NormalizedType() string {
	return NormalizeType(m.Type)
}

// NormalizeType lower-cases t and replaces blanks with underscores.
func NormalizeType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), " ", "_")
}

// RawFile is a vendor payload produced by the fetch stage. One raw file can
// feed several meters and cover several hours.
type RawFile struct {
	Filename string
	Location StorageInfo
	Body     []byte
	Meters   []MeterDescriptor
	Hours    []time.Time
	// Fresh is false when the payload was read back from raw storage
	// instead of the vendor.
	Fresh bool
}

// Meter is the canonical per-hour reading.
type Meter struct {
	MeterURI  string    `json:"meterURI"`
	MeterID   int64     `json:"meterId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Usage     float64   `json:"usage"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// CanonicalRecord is a standardized file ready to be saved.
type CanonicalRecord struct {
	Filename   string
	Location   StorageInfo
	Body       []byte
	Meter      Meter
	Descriptor MeterDescriptor
}

// Key returns the object key of the record.
func (r CanonicalRecord) Key() string {
	return r.Location.Key(r.Filename)
}

// ManifestEntry references one object listed in an update manifest.
type ManifestEntry struct {
	Bucket   string `json:"bucket"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// UpdateRow is one warehouse row carried by a manifest.
type UpdateRow struct {
	HourID        int64   `json:"ref_hour_id"`
	MeterID       int64   `json:"ref_meter_id"`
	ParticipantID int64   `json:"ref_participant_id"`
	Data          float64 `json:"data"`
}

// ManifestBody is the JSON document stored in an update file.
type ManifestBody struct {
	Files   []ManifestEntry `json:"files"`
	Amounts int             `json:"amounts,omitempty"`
	Updates []UpdateRow     `json:"updates,omitempty"`
}

// Manifest is an update file before upload.
type Manifest struct {
	Location StorageInfo
	Filename string
	Body     ManifestBody
}

// Ref returns the storage reference of the manifest.
func (m Manifest) Ref() ManifestRef {
	return ManifestRef{Bucket: m.Location.Bucket, Path: m.Location.Dir(), Filename: m.Filename}
}

// ManifestRef points at an uploaded update file.
type ManifestRef struct {
	Bucket   string
	Path     string
	Filename string
}

// Key returns the object key of the manifest.
func (r ManifestRef) Key() string {
	return StorageInfo{Bucket: r.Bucket, Path: r.Path}.Key(r.Filename)
}

func (r ManifestRef) String() string {
	return fmt.Sprintf("%s/%s", r.Bucket, r.Key())
}
