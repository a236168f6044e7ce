// Package local implements a local filesystem artifact store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// metaSuffix names the sidecar file holding an object's content type and
// metadata.
const metaSuffix = ".meta.json"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where artifacts are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New creates the base directory when missing and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// resolve maps key to a path inside baseDir, rejecting traversal.
func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the base directory", key)
	}
	if strings.HasSuffix(full, metaSuffix) {
		return "", fmt.Errorf("key %q uses a reserved suffix", key)
	}
	return full, nil
}

// Put writes data to a temporary file and renames it into place, so readers
// never see a partial artifact. It returns a file:// handle.
func (s *BlobStore) Put(_ context.Context, key string, info crawler.ObjectInfo, data io.Reader) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", key, err)
	}

	meta, err := json.Marshal(sidecar{ContentType: info.ContentType, Metadata: info.Metadata})
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(full+metaSuffix, meta, 0o600); err != nil {
		return "", fmt.Errorf("write metadata for %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("rename %s: %w", key, err)
	}
	return "file://" + full, nil
}

// Get opens the stored file.
func (s *BlobStore) Get(_ context.Context, key string) (io.ReadCloser, crawler.ObjectInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, crawler.ObjectInfo{}, err
	}
	f, err := os.Open(full) //nolint:gosec // path is confined to baseDir by resolve
	if errors.Is(err, fs.ErrNotExist) {
		return nil, crawler.ObjectInfo{}, crawler.ErrObjectNotFound
	}
	if err != nil {
		return nil, crawler.ObjectInfo{}, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := s.stat(key, full)
	if err != nil {
		_ = f.Close()
		return nil, crawler.ObjectInfo{}, err
	}
	return f, info, nil
}

func (s *BlobStore) stat(key, full string) (crawler.ObjectInfo, error) {
	fi, err := os.Stat(full)
	if err != nil {
		return crawler.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	info := crawler.ObjectInfo{Key: key, Size: fi.Size(), Modified: fi.ModTime().UTC()}
	raw, err := os.ReadFile(full + metaSuffix) //nolint:gosec // see resolve
	if err == nil {
		var meta sidecar
		if json.Unmarshal(raw, &meta) == nil {
			info.ContentType = meta.ContentType
			info.Metadata = meta.Metadata
		}
	}
	return info, nil
}

// Delete removes the file and its metadata. Missing files are ignored.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, p := range []string{full, full + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}

// List walks baseDir and returns objects whose key starts with prefix.
func (s *BlobStore) List(_ context.Context, prefix string) ([]crawler.ObjectInfo, error) {
	var out []crawler.ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.stat(key, p)
		if err != nil {
			return err
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	slices.SortFunc(out, func(a, b crawler.ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}
