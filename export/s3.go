package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Sink mirrors finished frames to an S3 bucket. Delivery is best-effort
// per file: a failed upload is logged and reported but never aborts the
// local export, which already holds the authoritative copy.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink from the ambient AWS credential chain.
func NewS3Sink(ctx context.Context, bucket, prefix, region string) (*S3Sink, error) {
	if bucket == "" {
		return nil, errors.New("export: s3 bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: aws config: %w", err)
	}
	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload copies one local file under the sink's prefix, keyed by the file's
// path relative to baseDir so the remote layout mirrors the local one.
func (s *S3Sink) Upload(ctx context.Context, baseDir, localPath string) error {
	rel, err := filepath.Rel(baseDir, localPath)
	if err != nil {
		rel = filepath.Base(localPath)
	}
	key := path.Join(s.prefix, filepath.ToSlash(rel))

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("export: s3 upload %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log.Printf("export: s3 put s3://%s/%s failed: %s (%s)",
				s.bucket, key, apiErr.ErrorMessage(), apiErr.ErrorCode())
		}
		return fmt.Errorf("export: s3 put %s: %w", key, err)
	}
	return nil
}
