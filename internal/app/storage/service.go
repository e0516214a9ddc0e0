/*
Package storage stores profile avatars in S3-compatible object storage.

Avatars are uploaded by the server (the client PUTs the image to chatd, which validates it and
streams it to the bucket) and served through short-lived presigned download URLs.
*/
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnavailable wraps every object store failure.
var ErrUnavailable = errors.New("object storage unavailable")

// ServiceConfig holds the configuration required to connect to an S3-compatible bucket.
type ServiceConfig struct {
	Bucket   string
	Endpoint string

	// Region defaults to "auto", which R2 and MinIO accept.
	Region string

	AccessKeyID     string
	SecretAccessKey string
}

// StorageService defines the operations the server needs from object storage.
type StorageService interface {
	// Upload stores body under key.
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error

	// PresignDownload generates a pre-signed URL for downloading a file.
	PresignDownload(ctx context.Context, key string, duration time.Duration) (string, error)

	// Delete removes the file specified by the given key.
	Delete(ctx context.Context, key string) error
}

// NewStorageService returns the S3-compatible implementation configured by cfg. It fails when the
// bucket cannot be reached with the given credentials.
func NewStorageService(ctx context.Context, cfg ServiceConfig) (StorageService, error) {
	c, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.checkBucket(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
