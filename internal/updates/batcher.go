// Package updates hands newly written objects over to the warehouse loader.
//
// Objects are grouped into update manifests of at most ChunkSize entries per
// destination. A manifest is uploaded to "{destination}/updates/" under a
// name starting with the pending token, and the finalizer later renames it
// to the processed token once the loader has consumed it. Manifests are
// relocated, never deleted.
package updates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/queue"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

const (
	// PendingToken prefixes manifests waiting for the loader.
	PendingToken = "updates"
	// ProcessedToken replaces PendingToken once a manifest is consumed.
	ProcessedToken = "processed"
	// Dir is the directory manifests are written to, under the destination.
	Dir = "updates"

	DefaultChunkSize = 500
)

// NewRunID returns a short identifier unique to one run.
func NewRunID() string {
	return uuid.NewString()[:8]
}

// NameTemplate builds manifest filenames:
// "{prefix}-{seq}-{run date}-{run id}".
type NameTemplate struct {
	Prefix  string
	RunDate time.Time
	RunID   string
}

func (t NameTemplate) Name(seq int) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = PendingToken
	}
	date := t.RunDate.UTC().Truncate(time.Hour).Format(models.HourLayout)
	return fmt.Sprintf("%s-%d-%s-%s", prefix, seq, date, t.RunID)
}

// Item is one object to announce to the loader. Destination is the location
// whose updates directory receives the manifest.
type Item struct {
	Destination models.StorageInfo
	Entry       models.ManifestEntry
	Update      *models.UpdateRow
}

type buffer struct {
	location models.StorageInfo
	entries  []models.ManifestEntry
	updates  []models.UpdateRow
	seq      int
}

// Batcher accumulates items into manifests. It is safe for concurrent use.
type Batcher struct {
	mu        sync.Mutex
	chunkSize int
	names     NameTemplate
	buffers   map[string]*buffer
	ready     []models.Manifest
	added     int
}

// NewBatcher creates a batcher emitting manifests of at most chunkSize
// entries.
func NewBatcher(chunkSize int, names NameTemplate) *Batcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if names.RunID == "" {
		names.RunID = NewRunID()
	}
	return &Batcher{
		chunkSize: chunkSize,
		names:     names,
		buffers:   make(map[string]*buffer),
	}
}

// RunID returns the run identifier embedded in manifest names.
func (b *Batcher) RunID() string {
	return b.names.RunID
}

// Add registers item. A buffer reaching the chunk size becomes a manifest
// immediately.
func (b *Batcher) Add(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc := item.Destination.Join(Dir)
	key := loc.String()
	buf, ok := b.buffers[key]
	if !ok {
		buf = &buffer{location: loc}
		b.buffers[key] = buf
	}

	buf.entries = append(buf.entries, item.Entry)
	if item.Update != nil {
		buf.updates = append(buf.updates, *item.Update)
	}
	b.added++

	if len(buf.entries) >= b.chunkSize {
		b.emitLocked(buf)
	}
}

func (b *Batcher) emitLocked(buf *buffer) {
	if len(buf.entries) == 0 {
		return
	}
	b.ready = append(b.ready, models.Manifest{
		Location: buf.location,
		Filename: b.names.Name(buf.seq),
		Body: models.ManifestBody{
			Files:   buf.entries,
			Amounts: len(buf.entries),
			Updates: buf.updates,
		},
	})
	buf.seq++
	buf.entries = nil
	buf.updates = nil
}

// Flush turns every non-empty buffer into a final, possibly undersized
// manifest and returns all manifests emitted since the previous Flush.
// Sequence counters keep counting across flushes.
func (b *Batcher) Flush() []models.Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, buf := range b.buffers {
		b.emitLocked(buf)
	}
	out := b.ready
	b.ready = nil
	return out
}

// Added returns the number of items registered so far.
func (b *Batcher) Added() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.added
}

// Consume adds items from q until the queue stays idle, then flushes.
func (b *Batcher) Consume(ctx context.Context, q *queue.Queue[Item], cfg worker.LoopConfig, log *logrus.Entry) ([]models.Manifest, error) {
	_, err := worker.RunLoop(ctx, q, cfg, log, func(_ context.Context, item Item) error {
		b.Add(item)
		return nil
	})
	return b.Flush(), err
}
