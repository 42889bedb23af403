// Package blobstore wraps an S3-compatible bucket holding the depth model and
// mirrored atlas images.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrDisabled is returned by New when no bucket is configured.
	ErrDisabled = errors.New("blob store disabled")
	ErrNotFound = errors.New("object not found")
)

// Config selects the bucket. Endpoint switches to path-style addressing for
// MinIO and similar servers. Empty keys use the default AWS credential chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store reads and writes objects in a single bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

func New(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrDisabled
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		log:    slog.Default().With("component", "blobstore", "bucket", cfg.Bucket),
	}, nil
}

func (s *S3Store) Bucket() string { return s.bucket }

// Ref returns the s3:// reference stored in the atlas cache for key.
func (s *S3Store) Ref(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// KeyFromRef extracts the object key from an s3:// reference.
func KeyFromRef(ref string) (string, bool) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", false
	}
	i := strings.IndexByte(rest, '/')
	if i < 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[i+1:], true
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// Exists reports whether key is present.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

// Get opens key for reading. The caller closes the body. size is -1 when unknown.
func (s *S3Store) Get(ctx context.Context, key string) (body io.ReadCloser, size int64, contentType string, err error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, "", fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("get %s: %w", key, err)
	}
	size = -1
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, aws.ToString(out.ContentType), nil
}

// Put uploads data under key and returns its s3:// reference.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug("stored object", "key", key, "bytes", len(data))
	return s.Ref(key), nil
}

// Download copies key into w and returns the number of bytes written.
func (s *S3Store) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	body, _, _, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return io.Copy(w, body)
}
