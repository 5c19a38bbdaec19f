package persistence

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSStore uploads objects to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a store for the given bucket using ambient
// credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Upload writes contents to the object at objectPath, replacing any previous
// object at that path.
func (s *GCSStore) Upload(ctx context.Context, objectPath string, contents []byte, metadata map[string]string) error {
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/json"
	if len(metadata) > 0 {
		w.Metadata = metadata
	}

	if _, err := w.Write(contents); err != nil {
		w.Close()
		return fmt.Errorf("write object %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalise object %s: %w", objectPath, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
