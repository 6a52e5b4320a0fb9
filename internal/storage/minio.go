package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// MinioConfig holds the connection settings of an S3-compatible store.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	// Buckets are created on start-up when missing.
	Buckets []string `mapstructure:"buckets" yaml:"buckets,omitempty"`
}

// MinioStore implements Storage on top of minio-go.
type MinioStore struct {
	client *minio.Client
	log    *logrus.Entry
}

// NewMinioStore connects to the endpoint and ensures the configured buckets
// exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig, log *logrus.Entry) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &MinioStore{client: client, log: log.WithField("component", "storage")}
	for _, b := range cfg.Buckets {
		if err := s.ensureBucket(ctx, b, cfg.Region); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, bucket, region string) error {
	ok, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	s.log.WithField("bucket", bucket).Info("Created bucket")
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
}

func wrapErr(op, bucket, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s/%s: %w", op, bucket, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s/%s: %w", op, bucket, key, err)
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, wrapErr("list", bucket, prefix, info.Err)
		}
		out = append(out, Object{
			Bucket:       bucket,
			Key:          info.Key,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	return out, nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapErr("get", bucket, key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrapErr("get", bucket, key, err)
	}
	return body, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return wrapErr("put", bucket, key, err)
	}
	return nil
}

// Move copies src to dst and removes src. A failure after the copy leaves
// both objects; callers that need exclusivity must reconcile.
func (s *MinioStore) Move(ctx context.Context, bucket, src, dst string) error {
	if src == dst {
		return nil
	}
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: dst},
		minio.CopySrcOptions{Bucket: bucket, Object: src},
	)
	if err != nil {
		return wrapErr("copy", bucket, src, err)
	}
	if err := s.client.RemoveObject(ctx, bucket, src, minio.RemoveObjectOptions{}); err != nil {
		return wrapErr("remove", bucket, src, err)
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return wrapErr("remove", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if info.Err != nil {
				listErr <- info.Err
				return
			}
			select {
			case objects <- info:
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
		listErr <- nil
	}()

	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err))
	}
	if err := <-listErr; err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("delete prefix %s/%s: %w", bucket, prefix, errors.Join(errs...))
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, wrapErr("stat", bucket, key, err)
}

var _ Storage = (*MinioStore)(nil)
var _ Storage = (*MemoryStore)(nil)
