package gcs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// newTestStore points a client at a handler simulating the GCS JSON API.
func newTestStore(t *testing.T, prefix string, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(client, Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutUploadsWithContentType(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "exports", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "# Docs")
		assert.Contains(t, string(body), "text/markdown")
		assert.Contains(t, string(body), "exports/job-1/out.md")
		_, _ = io.WriteString(w, `{"name":"exports/job-1/out.md","bucket":"test-bucket"}`)
	}))

	handle, err := store.Put(context.Background(), "job-1/out.md", crawler.ObjectInfo{
		ContentType: "text/markdown; charset=UTF-8",
		Metadata:    map[string]string{"job_id": "job-1"},
	}, strings.NewReader("# Docs\n"))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/exports/job-1/out.md", handle)

	_, err = store.Put(context.Background(), " ", crawler.ObjectInfo{}, strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := store.Put(context.Background(), "job-1/out.md", crawler.ObjectInfo{}, strings.NewReader("x"))
	require.Error(t, err)
}

func TestDeleteIgnoresMissingObjects(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		deleted []string
	)
	store := newTestStore(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		mu.Lock()
		deleted = append(deleted, r.URL.Path)
		mu.Unlock()
		if strings.Contains(r.URL.Path, "gone") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, store.Delete(context.Background(), "job-1/out.md"))
	require.NoError(t, store.Delete(context.Background(), "job-1/gone.md"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deleted, 2)
}

func TestListStripsPrefix(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "exports", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "exports/job-", r.URL.Query().Get("prefix"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"kind": "storage#objects",
			"items": []map[string]any{
				{"name": "exports/job-1/out.md", "bucket": "test-bucket", "size": "7", "contentType": "text/markdown", "updated": "2024-01-01T00:00:00Z"},
				{"name": "exports/job-2/out.zip", "bucket": "test-bucket", "size": "12", "contentType": "application/zip", "updated": "2024-01-01T00:00:00Z"},
			},
		})
	}))

	objects, err := store.List(context.Background(), "job-")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, "job-1/out.md", objects[0].Key)
	require.Equal(t, int64(7), objects[0].Size)
	require.Equal(t, "application/zip", objects[1].ContentType)
}
