package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/logging"
)

// DefaultImagePrefix is the key prefix for uploaded images.
const DefaultImagePrefix = "image_storage"

// ArtifactStore uploads images and writes their metadata. Neither operation
// retries internally; retry policy belongs to the caller's host.
type ArtifactStore struct {
	blobs       BlobStore
	records     MetadataStore
	prefix      string
	jpegQuality int
	newID       func() string
	logger      *zap.Logger
}

// ArtifactOption customises an ArtifactStore.
type ArtifactOption func(*ArtifactStore)

// WithImagePrefix sets the key prefix for uploaded images.
func WithImagePrefix(prefix string) ArtifactOption {
	return func(s *ArtifactStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithJPEGQuality sets the re-encode quality (1-100).
func WithJPEGQuality(q int) ArtifactOption {
	return func(s *ArtifactStore) {
		if q >= 1 && q <= 100 {
			s.jpegQuality = q
		}
	}
}

// WithIDGenerator replaces the UUIDv4 generator.
func WithIDGenerator(fn func() string) ArtifactOption {
	return func(s *ArtifactStore) {
		s.newID = fn
	}
}

// NewArtifactStore combines a blob store and a metadata store.
func NewArtifactStore(blobs BlobStore, records MetadataStore, logger *zap.Logger, opts ...ArtifactOption) *ArtifactStore {
	s := &ArtifactStore{
		blobs:       blobs,
		records:     records,
		prefix:      DefaultImagePrefix,
		jpegQuality: jpeg.DefaultQuality,
		newID:       uuid.NewString,
		logger:      logger.Named("artifact_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ImageKey returns the blob key for id.
func (s *ArtifactStore) ImageKey(id string) string {
	return path.Join(s.prefix, id+".jpg")
}

// StoreImage re-encodes img as JPEG under a freshly generated id and uploads
// it. It returns the id and a resolvable reference to the blob.
func (s *ArtifactStore) StoreImage(ctx context.Context, img image.Image) (string, string, error) {
	id := s.newID()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.jpegQuality}); err != nil {
		return "", "", logging.NewOperationError("storage.encode_image", id, fmt.Errorf("%w: %w", ErrStorage, err))
	}

	key := s.ImageKey(id)
	if err := s.blobs.Put(ctx, key, "image/jpeg", buf.Bytes()); err != nil {
		wrapped := logging.NewOperationError("storage.put_blob", id, fmt.Errorf("%w: %w", ErrStorage, err))
		s.logger.Error("image upload failed", zap.String("img_id", id), zap.Error(err))
		return "", "", wrapped
	}

	ref := s.blobs.Ref(key)
	s.logger.Debug("image uploaded", zap.String("img_id", id), zap.Int("bytes", buf.Len()))
	return id, ref, nil
}

// StoreMetadata writes record. It must only be called after StoreImage
// succeeded for record.ImgID. On failure the uploaded blob is left in place
// and a *PartialFailureError is returned.
func (s *ArtifactStore) StoreMetadata(ctx context.Context, record *ImageRecord) error {
	if err := record.Validate(); err != nil {
		return s.partialFailure(record, fmt.Errorf("%w: invalid record: %w", ErrStorage, err))
	}
	if err := s.records.Put(ctx, record); err != nil {
		return s.partialFailure(record, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	return nil
}

// GetMetadata reads the record for id.
func (s *ArtifactStore) GetMetadata(ctx context.Context, id string) (*ImageRecord, error) {
	record, err := s.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, logging.NewOperationError("storage.get_metadata", id, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	return record, nil
}

// ListMetadata returns up to limit stored records.
func (s *ArtifactStore) ListMetadata(ctx context.Context, limit int) ([]*ImageRecord, error) {
	records, err := s.records.List(ctx, limit)
	if err != nil {
		return nil, logging.NewOperationError("storage.list_metadata", "", fmt.Errorf("%w: %w", ErrStorage, err))
	}
	return records, nil
}

func (s *ArtifactStore) partialFailure(record *ImageRecord, err error) error {
	var id, ref string
	if record != nil {
		id, ref = record.ImgID, record.S3URL
	}
	s.logger.Error("metadata write failed, blob orphaned",
		zap.String("img_id", id),
		zap.String("blob_ref", ref),
		zap.Error(err))
	return &PartialFailureError{
		ImgID:   id,
		BlobRef: ref,
		Err:     logging.NewOperationError("storage.put_metadata", id, err),
	}
}
