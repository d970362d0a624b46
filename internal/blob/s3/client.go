// Package s3blob implements the domain blob interfaces on AWS SDK v2. Any
// S3-compatible endpoint works, including MinIO, iDrive e2, and Cloudflare
// R2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const retryMaxAttempts = 5

// ClientConfig holds the connection settings for an S3-compatible object
// store, taken from the [s3] config block.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for compatible providers. Leave
	// empty for AWS itself.
	Endpoint string

	// Region is the bucket region, or whatever the provider expects there.
	Region string

	// Bucket receives every object this process writes.
	Bucket string

	AccessKey string
	SecretKey string

	// UseSSL picks https when Endpoint is given without a scheme.
	UseSSL bool

	// ForcePathStyle addresses the bucket in the URL path instead of the
	// subdomain. Most non-AWS providers need it.
	ForcePathStyle bool
}

// Client wraps the SDK client plus the bucket all writes target.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds an S3 client for the configured endpoint and credentials.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRetryMaxAttempts(retryMaxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{s3: client, bucket: cfg.Bucket}, nil
}

// Health checks that the bucket exists and the credentials can reach it.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("s3blob: bucket %s not reachable: %w", c.bucket, err)
	}
	return nil
}

// Close exists to satisfy the closer shape used during wiring. The SDK
// client has no teardown of its own.
func (c *Client) Close() error {
	return nil
}

// S3 exposes the SDK client to the writer in this package.
func (c *Client) S3() *s3.Client {
	return c.s3
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// endpointURL returns the endpoint with a scheme, defaulting the scheme
// from useSSL when the config omits one.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
