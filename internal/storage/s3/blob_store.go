// Package s3 provides an artifact store for S3-compatible object storage
// such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// Config holds connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

// BlobStore stores artifacts in a single bucket.
type BlobStore struct {
	client *miniogo.Client
	bucket string
	prefix string
}

// New connects to the endpoint described by cfg.
func New(cfg Config) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *miniogo.Client, bucket, prefix string) *BlobStore {
	return &BlobStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *BlobStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
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

// Put uploads data and returns an s3:// URI. A negative info.Size streams
// the upload in parts.
func (s *BlobStore) Put(ctx context.Context, key string, info crawler.ObjectInfo, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	size := info.Size
	if size == 0 {
		size = -1
	}
	opts := miniogo.PutObjectOptions{
		ContentType:  info.ContentType,
		UserMetadata: info.Metadata,
	}
	if disposition := info.Metadata["content_disposition"]; disposition != "" {
		opts.ContentDisposition = disposition
	}
	name := s.objectName(key)
	if _, err := s.client.PutObject(ctx, s.bucket, name, r, size, opts); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, name), nil
}

// Get stats the object and then streams it.
func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, crawler.ObjectInfo, error) {
	name := s.objectName(key)
	stat, err := s.client.StatObject(ctx, s.bucket, name, miniogo.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, crawler.ObjectInfo{}, crawler.ErrObjectNotFound
		}
		return nil, crawler.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	object, err := s.client.GetObject(ctx, s.bucket, name, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, crawler.ObjectInfo{}, fmt.Errorf("open %s: %w", key, err)
	}
	return object, s.info(stat), nil
}

// Delete removes the object; S3 treats a missing key as success.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key), miniogo.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns every object under prefix, metadata included.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]crawler.ObjectInfo, error) {
	var out []crawler.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{
		Prefix:       s.objectName(prefix),
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		out = append(out, s.info(obj))
	}
	return out, nil
}

func (s *BlobStore) info(obj miniogo.ObjectInfo) crawler.ObjectInfo {
	return crawler.ObjectInfo{
		Key:         s.keyOf(obj.Key),
		ContentType: obj.ContentType,
		Size:        obj.Size,
		Modified:    obj.LastModified,
		Metadata:    userMetadata(obj.UserMetadata),
	}
}

// userMetadata lower-cases keys; S3 returns them in canonical header form.
func userMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		out[k] = v
	}
	return out
}

func isNotFound(err error) bool {
	resp := miniogo.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
