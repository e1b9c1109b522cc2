// Package storage persists classified images and their metadata records.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/waste-classifier/internal/classifier"
)

var (
	// ErrStorage marks any failure of the blob store or metadata table.
	ErrStorage = errors.New("storage failure")
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("record not found")
	// ErrPartialFailure marks a metadata write that failed after its blob was uploaded.
	ErrPartialFailure = errors.New("partial failure: blob stored without metadata")
)

// ImageRecord is the metadata row written once per classified image.
type ImageRecord struct {
	ImgID        string    `json:"img_id" dynamodbav:"img_id"`
	Predictions  []float32 `json:"predictions" dynamodbav:"predictions"`
	WasteBinary  int       `json:"waste_binary" dynamodbav:"waste_binary"`
	Timestamp    string    `json:"timestamp" dynamodbav:"timestamp"`
	S3URL        string    `json:"s3_url" dynamodbav:"s3_url"`
	ModelVersion string    `json:"model_version,omitempty" dynamodbav:"model_version,omitempty"`
}

// NewImageRecord builds the record for an uploaded image and its inference result.
func NewImageRecord(id, blobRef string, result *classifier.InferenceResult, at time.Time) *ImageRecord {
	return &ImageRecord{
		ImgID:        id,
		Predictions:  append([]float32(nil), result.Probabilities...),
		WasteBinary:  result.WasteBinary,
		Timestamp:    at.UTC().Format(time.RFC3339Nano),
		S3URL:        blobRef,
		ModelVersion: result.ModelVersion,
	}
}

// Time parses Timestamp. It returns the zero time when the value is malformed.
func (r *ImageRecord) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Validate enforces the canonical schema before a write.
func (r *ImageRecord) Validate() error {
	if r == nil {
		return errors.New("nil record")
	}
	if r.ImgID == "" {
		return errors.New("img_id is required")
	}
	if r.S3URL == "" {
		return errors.New("s3_url is required")
	}
	if r.WasteBinary != classifier.Recyclable && r.WasteBinary != classifier.Landfill {
		return fmt.Errorf("waste_binary must be 0 or 1, got %d", r.WasteBinary)
	}
	if len(r.Predictions) == 0 {
		return errors.New("predictions are required")
	}
	if _, err := time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	return nil
}

// PartialFailureError reports a blob left without its metadata record.
// The blob is intentionally kept.
type PartialFailureError struct {
	ImgID   string
	BlobRef string
	Err     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("metadata write for %s failed after upload, blob %s orphaned: %v", e.ImgID, e.BlobRef, e.Err)
}

// Unwrap returns the metadata store error.
func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Is matches ErrPartialFailure.
func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}
