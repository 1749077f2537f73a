package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the subset of the S3 client used by the archive.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures NewS3Archive.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Archive stores every event as one JSON object under
// <prefix><tenant>/<spamcheck id>/cycle-<n>-<type>-<event id>.json.
type S3Archive struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from the default AWS configuration chain,
// or from static credentials when both keys are set.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// NewS3Archive builds an archive on a client from NewS3Client.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3ArchiveWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient builds an archive on an existing client.
func NewS3ArchiveWithClient(client PutObjectAPI, bucket, prefix string) *S3Archive {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of e.
func (a *S3Archive) Key(e Event) string {
	tenant := e.TenantID
	if tenant == "" {
		tenant = "_"
	}
	return fmt.Sprintf("%s%s/%d/cycle-%d-%s-%s.json",
		a.prefix, tenant, e.SpamcheckID, e.Cycle, strings.TrimPrefix(string(e.Type), "spamcheck."), e.ID)
}

func (a *S3Archive) Publish(ctx context.Context, e Event) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := a.Key(e)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}
