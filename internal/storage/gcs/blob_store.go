// Package gcs archives crawl captures in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Config names the capture bucket.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// CacheControl is set on every object; empty leaves the bucket default.
	CacheControl string `mapstructure:"cache_control"`
}

type objectWriter interface {
	io.Writer
	Close() error
}

// writerFunc opens an object writer; swapped out in tests.
type writerFunc func(ctx context.Context, bucket, path, contentType, cacheControl string) objectWriter

// BlobStore implements review.BlobStore on GCS.
type BlobStore struct {
	client   *storage.Client
	cfg      Config
	open     writerFunc
	logger   *zap.Logger
	ownsConn bool
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{
		client: client,
		cfg:    cfg,
		open:   clientWriter(client),
		logger: logger.Named("gcs"),
	}, nil
}

// Open creates a client with application default credentials and fails fast
// when the bucket is missing or not readable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		return nil, errors.Join(
			fmt.Errorf("read attributes of bucket %q: %w", cfg.Bucket, err),
			client.Close(),
		)
	}
	store, err := New(client, cfg, logger)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	store.ownsConn = true
	return store, nil
}

// PutObject streams r into path and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.open(ctx, s.cfg.Bucket, path, contentType, s.cfg.CacheControl)
	n, err := io.Copy(w, r)
	if err != nil {
		return "", errors.Join(fmt.Errorf("copy object %s: %w", path, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", path, err)
	}
	s.logger.Debug("capture archived", zap.String("path", path), zap.Int64("bytes", n))
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}

// Close releases the client when Open created it.
func (s *BlobStore) Close() error {
	if !s.ownsConn {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

func clientWriter(client *storage.Client) writerFunc {
	return func(ctx context.Context, bucket, path, contentType, cacheControl string) objectWriter {
		w := client.Bucket(bucket).Object(path).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		if cacheControl != "" {
			w.CacheControl = cacheControl
		}
		return w
	}
}
