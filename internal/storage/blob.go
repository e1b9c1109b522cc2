package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore stores opaque objects under a key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	// Ref returns a resolvable reference to key.
	Ref(key string) string
}

// S3API is the subset of the S3 client used for image uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BlobStore uploads objects into one bucket.
type S3BlobStore struct {
	client S3API
	bucket string
}

// NewS3BlobStore returns a BlobStore for bucket.
func NewS3BlobStore(client S3API, bucket string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket}
}

// Put uploads body to key.
func (s *S3BlobStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	return err
}

// Ref returns the s3:// URL of key.
func (s *S3BlobStore) Ref(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// MemoryBlobStore keeps objects in memory. It backs local runs and tests.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBlobStore returns an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

// Put stores a copy of body.
func (m *MemoryBlobStore) Put(_ context.Context, key, _ string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

// Ref returns a mem:// URL for key.
func (m *MemoryBlobStore) Ref(key string) string {
	return "mem://" + key
}

// Get returns the object stored under key.
func (m *MemoryBlobStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Keys lists stored keys in sorted order.
func (m *MemoryBlobStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
