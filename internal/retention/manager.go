// Package retention stores job artifacts for a bounded window and sweeps
// them once that window has elapsed.
package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// DefaultWindow is how long an artifact stays downloadable.
const DefaultWindow = time.Hour

// Object metadata keys written alongside every artifact.
const (
	MetaJobID              = "job_id"
	MetaExpirationTime     = "expiration_time"
	MetaContentDisposition = "content_disposition"
	MetaChecksum           = "checksum_sha256"
)

// ErrExpired is returned when an artifact is requested at or after its expiry.
var ErrExpired = errors.New("artifact expired")

// ErrCorrupt is returned by Verify when stored bytes no longer match the record.
var ErrCorrupt = errors.New("artifact checksum mismatch")

// Manager writes artifacts to the object store and hands out their handles.
type Manager struct {
	store  crawler.ArtifactStore
	hasher crawler.Hasher
	clock  crawler.Clock
	window time.Duration
	logger *zap.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithWindow overrides DefaultWindow. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager wires a Manager over store.
func NewManager(store crawler.ArtifactStore, hasher crawler.Hasher, clock crawler.Clock, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		hasher: hasher,
		clock:  clock,
		window: DefaultWindow,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the retention window.
func (m *Manager) Window() time.Duration {
	return m.window
}

// Key returns the object key for a job's artifact.
func Key(jobID, filename string) string {
	return jobID + "/" + filename
}

// Store persists data under <jobID>/<filename> and returns the artifact
// record. On failure nothing is left reachable under the key.
func (m *Manager) Store(ctx context.Context, jobID, filename, contentType string, data []byte) (crawler.Artifact, error) {
	if jobID == "" || filename == "" || strings.Contains(filename, "/") {
		return crawler.Artifact{}, fmt.Errorf("invalid artifact name %q for job %q", filename, jobID)
	}
	checksum, err := m.hasher.Hash(data)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("checksum artifact: %w", err)
	}
	created := m.clock.Now().UTC()
	artifact := crawler.Artifact{
		Key:         Key(jobID, filename),
		ContentType: contentType,
		Size:        int64(len(data)),
		JobID:       jobID,
		Filename:    filename,
		Checksum:    checksum,
		CreatedAt:   created,
		ExpiresAt:   created.Add(m.window),
	}
	info := crawler.ObjectInfo{
		Key:         artifact.Key,
		ContentType: contentType,
		Size:        artifact.Size,
		Metadata: map[string]string{
			MetaJobID:              jobID,
			MetaExpirationTime:     artifact.ExpiresAt.Format(time.RFC3339),
			MetaContentDisposition: ContentDisposition(filename),
			MetaChecksum:           checksum,
		},
	}
	if _, err := m.store.Put(ctx, artifact.Key, info, bytes.NewReader(data)); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), artifact.Key); delErr != nil {
			m.logger.Warn("cleanup after failed put", zap.String("key", artifact.Key), zap.Error(delErr))
		}
		return crawler.Artifact{}, fmt.Errorf("store artifact %s: %w", artifact.Key, err)
	}
	m.logger.Info("artifact stored",
		zap.String("job_id", jobID),
		zap.String("key", artifact.Key),
		zap.Int64("size", artifact.Size),
		zap.Time("expires_at", artifact.ExpiresAt),
	)
	return artifact, nil
}

// Delete removes the artifact. Unknown artifacts are not an error.
func (m *Manager) Delete(ctx context.Context, artifact crawler.Artifact) error {
	if artifact.Key == "" {
		return nil
	}
	if err := m.store.Delete(ctx, artifact.Key); err != nil && !errors.Is(err, crawler.ErrObjectNotFound) {
		return fmt.Errorf("delete artifact %s: %w", artifact.Key, err)
	}
	return nil
}

// Open streams a still-valid artifact. It returns ErrExpired at or after
// the artifact's expiry even if the object has not been swept yet.
func (m *Manager) Open(ctx context.Context, artifact crawler.Artifact) (io.ReadCloser, crawler.ObjectInfo, error) {
	if !Valid(artifact, m.clock.Now()) {
		return nil, crawler.ObjectInfo{}, ErrExpired
	}
	rc, info, err := m.store.Get(ctx, artifact.Key)
	if err != nil {
		return nil, crawler.ObjectInfo{}, fmt.Errorf("open artifact %s: %w", artifact.Key, err)
	}
	return rc, info, nil
}

// Verify re-reads the stored artifact and checks its size and checksum.
func (m *Manager) Verify(ctx context.Context, artifact crawler.Artifact) error {
	rc, _, err := m.Open(ctx, artifact)
	if err != nil {
		return err
	}
	defer rc.Close()
	sum, n, err := m.hasher.HashReader(rc)
	if err != nil {
		return fmt.Errorf("verify artifact %s: %w", artifact.Key, err)
	}
	if n != artifact.Size || sum != artifact.Checksum {
		return fmt.Errorf("%w: %s", ErrCorrupt, artifact.Key)
	}
	return nil
}

// Valid reports whether artifact may still be downloaded at now.
func Valid(artifact crawler.Artifact, now time.Time) bool {
	return now.Before(artifact.ExpiresAt)
}

// ContentDisposition returns the attachment header value for filename.
func ContentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}
