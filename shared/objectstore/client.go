package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3-compatible object store configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// ErrObjectNotFound is returned when a key does not exist in the bucket
var ErrObjectNotFound = errors.New("object not found")

// Client stores uploaded meeting audio between the API and the workers
type Client struct {
	client *minio.Client
	config *Config
	logger *slog.Logger
}

// NewClient connects to the object store and makes sure the bucket exists
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	if config.Bucket == "" {
		return nil, errors.New("object store bucket is required")
	}

	logger.Info("Connecting to object store",
		slog.String("endpoint", config.Endpoint),
		slog.String("bucket", config.Bucket),
		slog.Bool("ssl", config.UseSSL),
	)

	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := mc.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created object store bucket", slog.String("bucket", config.Bucket))
	}

	return &Client{
		client: mc,
		config: config,
		logger: logger,
	}, nil
}

// Put streams r into key. A negative size uploads with multipart chunking.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	info, err := c.client.PutObject(ctx, c.config.Bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}

	c.logger.Debug("Object stored",
		slog.String("key", key),
		slog.Int64("size", info.Size),
	)
	return nil
}

// Download writes the object at key to a local file
func (c *Client) Download(ctx context.Context, key, path string) error {
	if err := c.client.FGetObject(ctx, c.config.Bucket, key, path, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("failed to download object %s: %w", key, err)
	}
	return nil
}

// Remove deletes the object at key. Removing a missing object is not an error.
func (c *Client) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := c.client.RemoveObject(ctx, c.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := c.client.BucketExists(ctx, c.config.Bucket); err != nil {
		return fmt.Errorf("object store health check failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
