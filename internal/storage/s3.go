package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const contentTypeCSV = "text/csv"

// S3Config holds configuration for S3 staging.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, for MinIO or LocalStack.
	Endpoint     string
	UsePathStyle bool
	// Prefix is prepended to every object path to form its key.
	Prefix string
	// MaxRetries bounds retries of each request.
	MaxRetries int
	// PartSize is the size of one part of a multipart upload. Files no
	// larger than one part are sent with a single PutObject.
	PartSize int64
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "us-east-1",
		MaxRetries: 3,
		PartSize:   16 << 20,
	}
}

// S3Storage stages objects in an S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3Storage creates S3 staging using the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 staging needs a bucket")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient creates S3 staging on a configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultS3Config().PartSize
	}
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}
}

// Bucket returns the bucket name.
func (s *S3Storage) Bucket() string { return s.bucket }

// Key prefixes objectPath with the configured prefix.
func (s *S3Storage) Key(objectPath string) string {
	if s.cfg.Prefix == "" {
		return objectPath
	}
	return path.Join(s.cfg.Prefix, objectPath)
}

// Stage uploads localPath, in parts when it is larger than one part. Parts
// are read from the file as they are sent, so a chunk file is never held in
// memory.
func (s *S3Storage) Stage(ctx context.Context, localPath, objectPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}

	key := s.Key(objectPath)
	var etag string
	if info.Size() <= s.cfg.PartSize {
		err = s.retry(ctx, func() error {
			out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.bucket),
				Key:         aws.String(key),
				Body:        io.NewSectionReader(f, 0, info.Size()),
				ContentType: aws.String(contentTypeCSV),
			})
			if err == nil {
				etag = aws.ToString(out.ETag)
			}
			return err
		})
	} else {
		err = s.retry(ctx, func() error {
			var uerr error
			etag, uerr = s.putParts(ctx, f, info.Size(), key)
			return uerr
		})
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrStageFailed, key, err)
	}
	return etag, nil
}

func (s *S3Storage) putParts(ctx context.Context, f *os.File, size int64, key string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentTypeCSV),
	})
	if err != nil {
		return "", err
	}
	abort := func() {
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: created.UploadId,
		})
	}

	var parts []s3types.CompletedPart
	for n, offset := int32(1), int64(0); offset < size; n, offset = n+1, offset+s.cfg.PartSize {
		length := min(s.cfg.PartSize, size-offset)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      created.UploadId,
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(f, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			abort()
			return "", err
		}
		parts = append(parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

// Stat returns the size of the object stored under key.
func (s *S3Storage) Stat(ctx context.Context, key string) (int64, error) {
	var size int64
	err := s.retry(ctx, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	})
	return size, notFound(err)
}

// Open streams the object stored under key.
func (s *S3Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.retry(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	return body, nil
}

// Remove deletes the object at objectPath.
func (s *S3Storage) Remove(ctx context.Context, objectPath string) error {
	return s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.Key(objectPath)),
		})
		return err
	})
}

// missing reports whether err says the object does not exist.
func missing(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &nf)
}

func notFound(err error) error {
	if missing(err) {
		return ErrObjectNotFound
	}
	return err
}

// retry runs op up to MaxRetries+1 times, doubling the delay from 100ms.
// Missing objects are not retried.
func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	delay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil || missing(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
