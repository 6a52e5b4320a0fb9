// Package storage is the object store collaborator of the pipeline: a flat
// bucket/key namespace with prefix listing. No transactional guarantees hold
// across calls; Move in particular is copy-then-delete on every backend that
// lacks a native rename.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes one stored object.
type Object struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
}

// Name returns the last path element of the key.
func (o Object) Name() string {
	return path.Base(o.Key)
}

// Storage is safe for concurrent use by all worker replicas of a run.
type Storage interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body []byte) error
	Move(ctx context.Context, bucket, src, dst string) error
	Delete(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// DirPrefix returns p with exactly one trailing slash, or "" for an empty p.
func DirPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// Children filters objects to the direct children of dir and returns their
// names.
func Children(objects []Object, dir string) []string {
	prefix := DirPrefix(dir)
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		rest, ok := strings.CutPrefix(o.Key, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	return names
}
