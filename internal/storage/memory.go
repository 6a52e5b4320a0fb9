package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	body     []byte
	modified time.Time
}

// MemoryStore is an in-process Storage used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string]memObject),
		now:     time.Now,
	}
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Object
	for key, obj := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{
				Bucket:       bucket,
				Key:          key,
				Size:         int64(len(obj.body)),
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return append([]byte(nil), obj.body...), nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucket] = b
	}
	b[key] = memObject{body: append([]byte(nil), body...), modified: m.now()}
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, bucket, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buckets[bucket]
	obj, ok := b[src]
	if !ok {
		return fmt.Errorf("%s/%s: %w", bucket, src, ErrNotFound)
	}
	if src == dst {
		return nil
	}
	obj.modified = m.now()
	b[dst] = obj
	delete(b, src)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[bucket][key]; !ok {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MemoryStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			delete(m.buckets[bucket], key)
		}
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[bucket][key]
	return ok, nil
}

// Keys returns every key in bucket, sorted.
func (m *MemoryStore) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
