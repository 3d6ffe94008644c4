// Package storage keeps uploaded and processed result files.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"vrdiag/pkg/interfaces"
)

var (
	ErrEmptyPath   = errors.New("artifact path cannot be empty")
	ErrEmptyBucket = errors.New("bucket name cannot be empty")
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Config locates the bucket. Endpoint is set for S3-compatible servers
// such as MinIO, which also switches to path-style addressing.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Store is an ArtifactStore over one S3 bucket.
type S3Store struct {
	client S3API
	bucket string
	logger logrus.FieldLogger
}

var _ interfaces.ArtifactStore = (*S3Store)(nil)

// NewS3Client builds a client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Store(client S3API, bucket string, logger logrus.FieldLogger) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client cannot be nil")
	}
	if bucket == "" {
		return nil, ErrEmptyBucket
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		logger: logger.WithFields(logrus.Fields{"component": "s3_store", "bucket": bucket}),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	s.logger.Info("created bucket")
	return nil
}

func (s *S3Store) Put(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return ErrEmptyPath
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", path).Error("failed to put object")
		return fmt.Errorf("failed to put object %s: %w", path, err)
	}

	s.logger.WithFields(logrus.Fields{"key": path, "size": len(data)}).Debug("stored object")
	return nil
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, interfaces.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", path, err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var noBucket *s3types.NotFound
	if errors.As(err, &noBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}
