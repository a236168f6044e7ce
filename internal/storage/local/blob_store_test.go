// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "artifacts")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced for root")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup.
			_ = os.Chmod(tempDir, 0o700)
		})
		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)
	})
}

func TestPutGetDeleteList(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		key := "job-1/omnidocs_export_job-1.md"
		handle, err := store.Put(ctx, key, crawler.ObjectInfo{
			ContentType: "text/markdown; charset=UTF-8",
			Metadata:    map[string]string{"expiration_time": "2024-01-01T01:00:00Z"},
		}, strings.NewReader("# Docs\n"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, key), handle)

		rc, info, err := store.Get(ctx, key)
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "# Docs\n", string(body))
		assert.Equal(t, int64(7), info.Size)
		assert.Equal(t, "text/markdown; charset=UTF-8", info.ContentType)
		assert.Equal(t, "2024-01-01T01:00:00Z", info.Metadata["expiration_time"])
	})

	t.Run("List", func(t *testing.T) {
		_, err := store.Put(ctx, "job-2/a.zip", crawler.ObjectInfo{ContentType: "application/zip"}, strings.NewReader("zip"))
		require.NoError(t, err)

		all, err := store.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "job-1/omnidocs_export_job-1.md", all[0].Key)
		assert.Equal(t, "job-2/a.zip", all[1].Key)

		only, err := store.List(ctx, "job-2/")
		require.NoError(t, err)
		require.Len(t, only, 1)
		assert.Equal(t, "application/zip", only[0].ContentType)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "job-2/a.zip"))
		require.NoError(t, store.Delete(ctx, "job-2/a.zip"))
		_, _, err := store.Get(ctx, "job-2/a.zip")
		assert.ErrorIs(t, err, crawler.ErrObjectNotFound)
		assert.NoFileExists(t, filepath.Join(tempDir, "job-2", "a.zip.meta.json"))
	})

	t.Run("RejectsBadKeys", func(t *testing.T) {
		for _, key := range []string{"", "../escape.md", "job/x.meta.json"} {
			_, err := store.Put(ctx, key, crawler.ObjectInfo{}, strings.NewReader("x"))
			assert.Error(t, err, key)
		}
	})
}
