package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"foliochat/internal/pkg/logx"
)

const (
	defaultRegion = "auto"

	bucketCheckTimeout = 10 * time.Second

	// avatar keys are never overwritten, a new upload gets a new key.
	avatarCacheControl = "public, max-age=31536000, immutable"
)

// s3Client implements StorageService on top of the AWS SDK, pointed at any S3-compatible endpoint.
type s3Client struct {
	bucket   string
	api      *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	logger   zerolog.Logger
}

func newS3Client(ctx context.Context, cfg ServiceConfig) (*s3Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	sdkCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client configuration: %w", err)
	}

	api := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &s3Client{
		bucket:   cfg.Bucket,
		api:      api,
		uploader: manager.NewUploader(api),
		presign:  s3.NewPresignClient(api),
		logger:   logx.Component("storage").With().Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// checkBucket verifies that the bucket exists and the credentials can reach it.
func (c *s3Client) checkBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()

	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("%w: bucket %q: %w", ErrUnavailable, c.bucket, err)
	}

	c.logger.Info().Msg("Avatar storage ready.")
	return nil
}

func (c *s3Client) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		CacheControl:  aws.String(avatarCacheControl),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Int64("size", size).Msg("Avatar upload failed")
		return fmt.Errorf("%w: upload %s", ErrUnavailable, key)
	}

	c.logger.Debug().Str("key", key).Int64("size", size).Msg("Avatar uploaded")
	return nil
}

func (c *s3Client) PresignDownload(ctx context.Context, key string, duration time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(duration))
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to presign avatar download")
		return "", fmt.Errorf("%w: presign %s", ErrUnavailable, key)
	}

	return req.URL, nil
}

func (c *s3Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Avatar delete failed")
		return fmt.Errorf("%w: delete %s", ErrUnavailable, key)
	}

	return nil
}
