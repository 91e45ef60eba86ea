package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mlscache/config"
	"mlscache/models"
)

// ObjectPutter is the slice of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads the list written by each refresh cycle to
// S3-compatible storage.
type S3Archiver struct {
	client ObjectPutter
	bucket string
}

// NewS3Archiver builds an archiver; a custom endpoint (DO Spaces, R2,
// MinIO) switches to path-style addressing.
func NewS3Archiver(ctx context.Context, cfg config.S3Config) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return NewS3ArchiverWithClient(client, cfg.Bucket), nil
}

func NewS3ArchiverWithClient(client ObjectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// SnapshotKey is the object key for a run: snapshots/YYYY/MM/DD/<run-id>.json.
func SnapshotKey(runID string, at time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s.json", at.UTC().Format("2006/01/02"), runID)
}

type snapshot struct {
	RunID      string            `json:"run_id"`
	WrittenAt  time.Time         `json:"written_at"`
	Count      int               `json:"count"`
	Properties []models.Property `json:"properties"`
}

// Archive uploads props as the generation written by runID and returns
// the object key.
func (a *S3Archiver) Archive(ctx context.Context, runID string, at time.Time, props []models.Property) (string, error) {
	data, err := json.Marshal(snapshot{RunID: runID, WrittenAt: at.UTC(), Count: len(props), Properties: props})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := SnapshotKey(runID, at)
	if err := a.upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func (a *S3Archiver) upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
