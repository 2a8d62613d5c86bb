// Package gcs archives crawl output files to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Config captures the parameters required to archive to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// Archiver uploads finished output files to a configured bucket.
type Archiver struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates a GCS-backed archiver.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("archive"),
	}, nil
}

// ObjectName returns the object path used for a local file in a run.
func (a *Archiver) ObjectName(runID, file string) string {
	return path.Join(a.prefix, runID, filepath.Base(file))
}

// Archive uploads every file under the run's folder and returns the gs:// URIs.
// All files are attempted; failures are joined.
func (a *Archiver) Archive(ctx context.Context, runID string, files ...string) ([]string, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	var (
		uris []string
		errs []error
	)
	for _, file := range files {
		uri, err := a.upload(ctx, a.ObjectName(runID, file), file)
		if err != nil {
			a.logger.Warn("archive upload failed", zap.String("file", file), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		a.logger.Info("archived output", zap.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris, errors.Join(errs...)
}

func (a *Archiver) upload(ctx context.Context, object, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return a.PutObject(ctx, object, contentType(file), f)
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (a *Archiver) PutObject(ctx context.Context, object string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", errors.New("object name is required")
	}
	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", object, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

func contentType(file string) string {
	if strings.HasSuffix(file, "log.txt") {
		return "text/plain; charset=utf-8"
	}
	return "text/csv; charset=utf-8"
}
