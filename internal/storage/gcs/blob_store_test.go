package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newTestClient creates a storage client pointed at a test server with
// authentication disabled.
func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{Bucket: " "})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const bucket = "job-archive"
	const object = "jobs/2025-06-01/run.jsonl"
	payload := []byte("{\"title\":\"X\",\"company\":\"Y\"}\n")

	var (
		mu   sync.Mutex
		body string
		hits int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucket))
		assert.Equal(t, object, r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body = string(raw)
		fmt.Fprintf(w, `{"name":%q,"bucket":%q}`, object, bucket)
	})

	store, err := New(newTestClient(t, handler), Config{
		Bucket:   bucket,
		Metadata: map[string]string{"run_id": "abc"},
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), object, "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://job-archive/jobs/2025-06-01/run.jsonl", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, hits)
	require.Contains(t, body, string(payload))
	require.Contains(t, body, "application/x-ndjson")
	require.Contains(t, body, `"run_id":"abc"`)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "b"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.jsonl", "", bytes.NewReader([]byte("data")))
	require.Error(t, err)
}

func TestPutObjectEmptyPath(t *testing.T) {
	t.Parallel()

	store, err := New(newTestClient(t, http.NotFoundHandler()), Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
