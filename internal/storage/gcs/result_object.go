// Package gcs persists the result document as a Google Cloud Storage object.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Config captures the object holding the result document.
type Config struct {
	Bucket string
	Object string
}

// ObjectPersister reads and rewrites one GCS object.
type ObjectPersister struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS-backed persister.
func New(client *storage.Client, cfg Config) (*ObjectPersister, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Object == "" {
		cfg.Object = "results.json"
	}
	return &ObjectPersister{
		client: client,
		bucket: cfg.Bucket,
		object: cfg.Object,
	}, nil
}

// URI returns the gs:// location of the document.
func (p *ObjectPersister) URI() string {
	return fmt.Sprintf("gs://%s/%s", p.bucket, p.object)
}

// Load downloads the document, or returns nil when the object does not exist.
func (p *ObjectPersister) Load(ctx context.Context) ([]byte, error) {
	reader, err := p.client.Bucket(p.bucket).Object(p.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", p.URI(), err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.URI(), err)
	}
	return data, nil
}

// Save uploads data as a new generation of the object. GCS replaces objects
// atomically, so readers see either the old or the new document.
func (p *ObjectPersister) Save(ctx context.Context, data []byte) error {
	writer := p.client.Bucket(p.bucket).Object(p.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
