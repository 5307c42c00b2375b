// Package s3 uploads screenshots to Amazon S3 or an S3-compatible endpoint.
package s3

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pagesnap/internal/ports"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures the client.
type Options struct {
	// Region is used when an upload names none.
	Region string
	// Endpoint overrides the AWS endpoint (MinIO, LocalStack).
	Endpoint  string
	PathStyle bool
}

// Client implements ports.StorageProvider. Each upload may name its own
// region; the object URL is built from bucket, region and key.
type Client struct {
	api  putObjectAPI
	opts Options
}

// New loads the default AWS credential chain and builds a client.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newWithAPI(api, opts), nil
}

func newWithAPI(api putObjectAPI, opts Options) *Client {
	return &Client{api: api, opts: opts}
}

func (c *Client) Provider() string { return "s3" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.Bucket == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("bucket is required")
	}
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	region := in.Region
	if region == "" {
		region = c.opts.Region
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(in.Bucket),
		Key:    aws.String(in.ObjectKey),
		Body:   in.Reader,
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}
	if in.Size > 0 {
		input.ContentLength = aws.Int64(in.Size)
	}

	_, err := c.api.PutObject(ctx, input, func(o *s3.Options) {
		if region != "" {
			o.Region = region
		}
	})
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("s3 upload failed: %w", err)
	}

	return ports.PutObjectOutput{
		URL:       c.objectURL(in.Bucket, region, in.ObjectKey),
		Bucket:    in.Bucket,
		ObjectKey: in.ObjectKey,
		Size:      in.Size,
	}, nil
}

func (c *Client) objectURL(bucket, region, key string) string {
	escaped := escapeKey(key)
	if c.opts.Endpoint != "" {
		base := strings.TrimRight(c.opts.Endpoint, "/")
		if c.opts.PathStyle {
			return base + "/" + bucket + "/" + escaped
		}
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			u.Host = bucket + "." + u.Host
			return u.String() + "/" + escaped
		}
		return base + "/" + bucket + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
}

// escapeKey escapes each path segment and keeps the slashes.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
