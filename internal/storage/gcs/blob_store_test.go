package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotPath string
		gotName string
		gotBody string
		gotCond string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		gotBody = string(body)
		gotCond = r.URL.Query().Get("ifGenerationMatch")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"bucket":"reports-bucket","name":%q}`, r.URL.Query().Get("name"))
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "reports-bucket", CacheControl: "no-store"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "reports/example.com/r1.json", "application/json", bytes.NewBufferString(`{"id":"r1"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://reports-bucket/reports/example.com/r1.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, strings.Contains(gotPath, "/b/reports-bucket/o"), gotPath)
	require.Equal(t, "reports/example.com/r1.json", gotName)
	require.Contains(t, gotBody, `{"id":"r1"}`)
	require.Contains(t, gotBody, `no-store`)
	require.Equal(t, "0", gotCond)
}

func TestPutObjectKeepsExistingObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "reports-bucket"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/reports/example.com/r1.json", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	require.Equal(t, "gs://reports-bucket/reports/example.com/r1.json", uri)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"forbidden"}}`)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "reports-bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "reports/r1.json", "application/json", bytes.NewBufferString(`{}`))
	require.ErrorContains(t, err, "close writer")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(newTestClient(t, http.NotFoundHandler()), Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
