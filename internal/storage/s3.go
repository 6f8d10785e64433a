package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Files bigger than this go through the multipart uploader
const minMultipartSize = 12 << 20

type S3Config struct {
	Region          string
	Bucket          string
	AccessKey       string
	SecretAccessKey string
	// Endpoint points the client at an S3 compatible store such as R2
	Endpoint   string
	PublicBase string
}

type S3Disk struct {
	c          *s3.Client
	presign    *s3.PresignClient
	bucket     *string
	publicBase string
}

func NewS3Disk(ctx context.Context, cfg S3Config) (*S3Disk, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket can't be empty")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.AccessKey != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	bucket := aws.String(cfg.Bucket)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Region = cfg.Region
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if o.Region == "" {
			o.Region = "auto"
		}
	})

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: bucket,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("bucket '%s' does not exist", cfg.Bucket)
		}

		return nil, fmt.Errorf("failed to check if bucket exists, %w", err)
	}

	return &S3Disk{
		c:          client,
		presign:    s3.NewPresignClient(client),
		bucket:     bucket,
		publicBase: strings.TrimSuffix(cfg.PublicBase, "/"),
	}, nil
}

func (d *S3Disk) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:       d.bucket,
		Key:          aws.String(key),
		Body:         r,
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if opts.Size > minMultipartSize {
		uploader := manager.NewUploader(d.c, func(u *manager.Uploader) {
			u.Concurrency = 5
			u.PartSize = 6 << 20
		})
		_, err = uploader.Upload(ctx, input)
	} else {
		if opts.Size > 0 {
			input.ContentLength = aws.Int64(opts.Size)
		}
		_, err = d.c.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("failed to upload to S3, %w", err)
	}
	return nil
}

func (d *S3Disk) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	out, err := d.c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: d.bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object, %w", err)
	}
	return out.Body, nil
}

// Delete checks for the object first since S3 reports success for missing keys.
func (d *S3Disk) Delete(ctx context.Context, key string) error {
	ok, err := d.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	_, err = d.c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: d.bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object, %w", err)
	}
	return nil
}

func (d *S3Disk) Exists(ctx context.Context, key string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}

	_, err = d.c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: d.bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object, %w", err)
	}
	return true, nil
}

func (d *S3Disk) Move(ctx context.Context, src, dst string) error {
	src, err := cleanKey(src)
	if err != nil {
		return err
	}
	dst, err = cleanKey(dst)
	if err != nil {
		return err
	}

	_, err = d.c.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     d.bucket,
		CopySource: aws.String(*d.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("failed to copy object, %w", err)
	}

	_, err = d.c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: d.bucket,
		Key:    aws.String(src),
	})
	if err != nil {
		return fmt.Errorf("failed to delete moved object, %w", err)
	}
	return nil
}

// URL returns the public URL when a public base is configured and a
// presigned one otherwise.
func (d *S3Disk) URL(ctx context.Context, key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if d.publicBase != "" {
		return d.publicBase + "/" + key, nil
	}
	return d.SignedURL(ctx, key, 15*time.Minute)
}

func (d *S3Disk) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	req, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: d.bucket,
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) {
		if ttl > 0 {
			po.Expires = ttl
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign url, %w", err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

var _ Disk = (*S3Disk)(nil)
