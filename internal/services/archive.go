package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ReportArchiver copies finalized canonical reports to long-term storage and
// returns where they were written.
type ReportArchiver interface {
	Archive(ctx context.Context, incidentID, digest string, canonical []byte) (string, error)
}

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes reports to an S3 bucket under prefix/<incident>/<digest>.json.
type S3Archiver struct {
	client s3PutAPI
	bucket string
	prefix string
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Archiver loads the default AWS credential chain and builds a client.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
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
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) key(incidentID, digest string) string {
	return a.prefix + incidentID + "/" + digest + ".json"
}

// Archive uploads the canonical bytes with the digest as object metadata.
func (a *S3Archiver) Archive(ctx context.Context, incidentID, digest string, canonical []byte) (string, error) {
	key := a.key(incidentID, digest)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(canonical),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"report-digest": digest},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
