package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore wraps the bucket side of the platform. Google Cloud Storage is
// addressed through its S3-interoperability endpoint, so the client works
// against any S3-compatible store in tests.
type ObjectStore struct {
	client *minio.Client
}

// NewObjectStore dials the storage endpoint with HMAC credentials.
func NewObjectStore(cfg Config) (*ObjectStore, error) {
	endpoint := cfg.StorageEndpoint
	if endpoint == "" {
		endpoint = "storage.googleapis.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		Secure: !cfg.StorageInsecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store %s: %w", endpoint, err)
	}
	return &ObjectStore{client: client}, nil
}

// IsBucketPath reports whether a path addresses object storage rather than a
// filesystem on the VM.
func IsBucketPath(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://")
}

// splitURI breaks gs://bucket/key into its parts.
func splitURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(uri, "gs://"), "s3://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not a bucket path: %s", uri)
	}
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("bucket path missing bucket name: %s", uri)
	}
	return bucket, key, nil
}

// Exists reports whether the URI names an object or a non-empty prefix.
func (s *ObjectStore) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return false, err
	}
	if key != "" {
		_, statErr := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if statErr == nil {
			return true, nil
		}
		var resp minio.ErrorResponse
		if errors.As(statErr, &resp) && resp.Code != "NoSuchKey" {
			return false, fmt.Errorf("stat %s: %w", uri, statErr)
		}
	}
	// Not an object (or no key given); a prefix with any object under it
	// still counts as existing.
	prefix := key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{Prefix: prefix, MaxKeys: 1}) {
		if obj.Err != nil {
			return false, fmt.Errorf("list %s: %w", uri, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

// Mkdir ensures the bucket exists. Prefixes need no creation; they come into
// being with their first object.
func (s *ObjectStore) Mkdir(ctx context.Context, uri string) error {
	bucket, _, err := splitURI(uri)
	if err != nil {
		return err
	}
	ok, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Put writes data to the URI.
func (s *ObjectStore) Put(ctx context.Context, uri string, data []byte) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put %s: %w", uri, err)
	}
	return nil
}

// Cat returns the full contents of the object at the URI.
func (s *ObjectStore) Cat(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}
