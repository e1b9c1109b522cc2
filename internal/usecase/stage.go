package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/waste-classifier/internal/storage"
)

// Stage names a step of the classification pipeline.
type Stage string

const (
	StageDecode          Stage = "decode"
	StageLoadModel       Stage = "load_model"
	StageClassify        Stage = "classify"
	StagePersistBlob     Stage = "persist_blob"
	StagePersistMetadata Stage = "persist_metadata"
	StageNotify          Stage = "notify"
)

// State is the position of a request in the pipeline.
type State string

const (
	StateReceived          State = "received"
	StateDecoded           State = "decoded"
	StateClassified        State = "classified"
	StatePersistedBlob     State = "persisted_blob"
	StatePersistedMetadata State = "persisted_metadata"
	StateNotified          State = "notified"
	StateResponded         State = "responded"
	StateFailed            State = "failed"
)

// StageError is the terminal Failed(stage, reason) state of a request.
type StageError struct {
	Stage Stage
	// ImgID is set once the image has been uploaded.
	ImgID string
	Err   error
}

func (e *StageError) Error() string {
	if e.ImgID != "" {
		return fmt.Sprintf("stage %s (img_id=%s): %v", e.Stage, e.ImgID, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *StageError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled)
}

// StatusCode maps the failure to an HTTP status.
func (e *StageError) StatusCode() int {
	if e.Timeout() {
		return http.StatusGatewayTimeout
	}
	switch e.Stage {
	case StageDecode:
		return http.StatusBadRequest
	case StageLoadModel:
		return http.StatusServiceUnavailable
	case StageClassify:
		return http.StatusInternalServerError
	case StagePersistBlob, StagePersistMetadata:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicReason describes the failure without infrastructure details.
func (e *StageError) PublicReason() string {
	if e.Timeout() {
		return "request timed out"
	}
	switch e.Stage {
	case StageDecode:
		return e.Err.Error()
	case StageLoadModel:
		return "classification model unavailable"
	case StageClassify:
		return "image could not be classified"
	case StagePersistBlob:
		return "image could not be stored"
	case StagePersistMetadata:
		if errors.Is(e.Err, storage.ErrPartialFailure) {
			return "image stored but its record could not be saved"
		}
		return "image record could not be saved"
	default:
		return "internal error"
	}
}
