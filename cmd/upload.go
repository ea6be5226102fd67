package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// multipartThreshold is the report size above which uploads go through s3manager
const multipartThreshold = 100 * 1024 * 1024

// ErrS3UploadFailed is returned when a report could not be stored
var ErrS3UploadFailed = errors.New("S3 upload failed")

// compressionContentTypes maps a compression to the Content-Type of the stored object
var compressionContentTypes = map[string]string{
	"zstd": "application/zstd",
	"lz4":  "application/x-lz4",
	"gzip": "application/gzip",
}

// S3Config describes the object storage reports are published to
type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

// Enabled reports whether reports should be uploaded
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// ReportUploader publishes rendered reports to S3-compatible object storage
type ReportUploader struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
	logger   *slog.Logger
}

// NewReportUploader creates an uploader for cfg. Without static keys the SDK's default
// credential chain is used.
func NewReportUploader(cfg S3Config, logger *slog.Logger) (*ReportUploader, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &ReportUploader{
		bucket:   cfg.Bucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		logger:   logger,
	}, nil
}

// Upload stores data under key and returns the object's s3:// URL
func (u *ReportUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	u.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s (size: %d bytes)", u.bucket, key, len(data)))

	var err error
	if len(data) > multipartThreshold {
		_, err = u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
	} else {
		_, err = u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
	}
	if err != nil {
		return "", fmt.Errorf("%w: s3://%s/%s: %v", ErrS3UploadFailed, u.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// contentTypeFor returns the Content-Type of a report rendered as formatMIME and compressed
// with compression
func contentTypeFor(compression, formatMIME string) string {
	if contentType, ok := compressionContentTypes[compression]; ok {
		return contentType
	}
	return formatMIME
}
