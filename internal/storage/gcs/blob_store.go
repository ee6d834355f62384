// Package gcs archives report objects to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the bucket to write to.
type Config struct {
	Bucket string
	// CacheControl is set on every archived object. Empty leaves the bucket default.
	CacheControl string
}

// BlobStore writes immutable report objects to a configured GCS bucket.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, cacheControl: cfg.CacheControl}, nil
}

// PutObject streams data to bucket/path and returns a gs:// URI. Report
// objects are write-once: an existing object at path is left untouched and
// its URI returned.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, path)

	obj := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	if s.cacheControl != "" {
		writer.CacheControl = s.cacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil && !alreadyExists(closeErr) {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
