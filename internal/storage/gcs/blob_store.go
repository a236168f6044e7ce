// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, letting several deployments share a bucket.
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *BlobStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *BlobStore) keyOf(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

// Put uploads data and returns a gs:// URI.
func (s *BlobStore) Put(ctx context.Context, key string, info crawler.ObjectInfo, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	name := s.objectName(key)
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = info.ContentType
	writer.Metadata = info.Metadata
	if disposition := info.Metadata["content_disposition"]; disposition != "" {
		writer.ContentDisposition = disposition
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Get streams the object.
func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, crawler.ObjectInfo, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, crawler.ObjectInfo{}, crawler.ErrObjectNotFound
	}
	if err != nil {
		return nil, crawler.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, crawler.ObjectInfo{}, crawler.ErrObjectNotFound
	}
	if err != nil {
		return nil, crawler.ObjectInfo{}, fmt.Errorf("open %s: %w", key, err)
	}
	return reader, s.info(attrs), nil
}

func (s *BlobStore) info(attrs *storage.ObjectAttrs) crawler.ObjectInfo {
	return crawler.ObjectInfo{
		Key:         s.keyOf(attrs.Name),
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		Modified:    attrs.Updated,
		Metadata:    attrs.Metadata,
	}
}

// Delete removes the object; a missing object is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns objects under prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]crawler.ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})
	var out []crawler.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, s.info(attrs))
	}
}
