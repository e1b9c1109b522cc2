package modelcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectGetter is the subset of the S3 client used to download the model.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads the model artifact from a bucket.
type S3Fetcher struct {
	client ObjectGetter
	bucket string
	key    string
}

// NewS3Fetcher returns a Fetcher for s3://bucket/key.
func NewS3Fetcher(client ObjectGetter, bucket, key string) *S3Fetcher {
	return &S3Fetcher{client: client, bucket: bucket, key: key}
}

// Fetch writes the object to dest atomically: readers never observe a
// partially written artifact.
func (f *S3Fetcher) Fetch(ctx context.Context, dest string) error {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		return fmt.Errorf("get model object %s: %w", f.key, err)
	}
	defer out.Body.Close()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("install model file: %w", err)
	}
	return nil
}
