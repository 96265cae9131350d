package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// ErrNotFound is returned by S3Client implementations for missing keys.
var ErrNotFound = errors.New("object not found")

// S3Client defines the minimal S3 interface used by the adapter, so tests
// can inject doubles.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

// S3 is the StorageAdapter backed by AWS S3 (or S3-compatible stores).
type S3 struct {
	client S3Client
	bucket string
}

// NewS3 creates an S3 adapter.  client must not be nil.
func NewS3(client S3Client, defaultBucket string) (*S3, error) {
	if client == nil {
		return nil, apperrors.Newf(apperrors.CodeInvalidParameter, "s3.init", "client must not be nil")
	}
	return &S3{client: client, bucket: defaultBucket}, nil
}

func (s *S3) bucketFor(key core.StorageKey) string {
	if key.Bucket != "" {
		return key.Bucket
	}
	return s.bucket
}

func (s *S3) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.New(apperrors.CodeCancelled, "s3.put", err)
	}
	if err := s.client.PutObject(ctx, s.bucketFor(key), key.Path, r, meta); err != nil {
		return s3Error("s3.put", key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, "s3.get", err)
	}
	rc, err := s.client.GetObject(ctx, s.bucketFor(key), key.Path)
	if err != nil {
		return nil, s3Error("s3.get", key, err)
	}
	return rc, nil
}

func (s *S3) Delete(ctx context.Context, key core.StorageKey) error {
	if err := ctx.Err(); err != nil {
		return apperrors.New(apperrors.CodeCancelled, "s3.delete", err)
	}
	if err := s.client.DeleteObject(ctx, s.bucketFor(key), key.Path); err != nil {
		return s3Error("s3.delete", key, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.New(apperrors.CodeCancelled, "s3.exists", err)
	}
	ok, err := s.client.HeadObject(ctx, s.bucketFor(key), key.Path)
	if err != nil {
		return false, s3Error("s3.exists", key, err)
	}
	return ok, nil
}

// s3Error maps client failures: missing keys are user errors, everything
// else is a recoverable I/O failure.
func s3Error(op string, key core.StorageKey, err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperrors.New(apperrors.CodeFileNotFound, op, fmt.Errorf("%v: %w", key, err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.CodeCancelled, op, err)
	}
	return apperrors.Wrap(apperrors.CodeIOFailure, op, err)
}

// ── aws-sdk-go client ─────────────────────────────────────────────────────────

type awsClient struct {
	api *s3.S3
}

// NewAWSClient builds an S3Client on aws-sdk-go.  Static credentials are used
// when both keys are set; otherwise the SDK's default chain applies.
func NewAWSClient(cfg config.S3Config) (S3Client, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.UsePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "s3.session", err)
	}
	return &awsClient{api: s3.New(sess)}, nil
}

func (c *awsClient) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) error {
	rs, ok := body.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		rs = bytes.NewReader(b)
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   rs,
	}
	userMeta := make(map[string]string, len(meta))
	for k, v := range meta {
		if http.CanonicalHeaderKey(k) == "Content-Type" {
			in.ContentType = aws.String(v)
			continue
		}
		userMeta[k] = v
	}
	if len(userMeta) > 0 {
		in.Metadata = aws.StringMap(userMeta)
	}

	_, err := c.api.PutObjectWithContext(ctx, in)
	return err
}

func (c *awsClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, notFound(err)
	}
	return out.Body, nil
}

func (c *awsClient) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

func (c *awsClient) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(notFound(err), ErrNotFound) {
		return false, nil
	}
	return false, err
}

func notFound(err error) error {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, rf.Message())
	}
	var ae awserr.Error
	if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
		return fmt.Errorf("%w: %s", ErrNotFound, ae.Message())
	}
	return err
}

// NewFromConfig builds the storage adapter selected by cfg.
func NewFromConfig(cfg config.Config) (core.StorageAdapter, error) {
	switch cfg.Storage {
	case config.StorageS3:
		client, err := NewAWSClient(cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3(client, cfg.S3.Bucket)
	default:
		root := cfg.Local.RootDir
		if root == "" {
			root = "."
		}
		return NewLocal(root, os.FileMode(cfg.Local.Permissions))
	}
}
