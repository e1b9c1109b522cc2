package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/classifier"
	"github.com/example/waste-classifier/internal/imageprocessor"
	"github.com/example/waste-classifier/internal/logging"
	"github.com/example/waste-classifier/internal/metrics"
	"github.com/example/waste-classifier/internal/notify"
	"github.com/example/waste-classifier/internal/storage"
)

// Request is the classification payload.
type Request struct {
	Image        string   `json:"image"`
	WasteFillPct *float64 `json:"wasteFillPct,omitempty"`
	RecycFillPct *float64 `json:"recycFillPct,omitempty"`
}

// Response is returned to the host. Body is a JSON document.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// Outcome describes a successfully classified image.
type Outcome struct {
	ImgID        string    `json:"img_id"`
	Class        int       `json:"class"`
	WasteBinary  int       `json:"waste_binary"`
	ModelVersion string    `json:"model_version,omitempty"`
	Notified     bool      `json:"notified"`
	Message      string    `json:"message"`
	Predictions  []float32 `json:"-"`
	BlobRef      string    `json:"-"`
	WasteFillPct *float64  `json:"wasteFillPct,omitempty"`
	RecycFillPct *float64  `json:"recycFillPct,omitempty"`
}

type failureBody struct {
	Error string `json:"error"`
	Stage Stage  `json:"stage"`
	ImgID string `json:"img_id,omitempty"`
}

// Preprocessor turns the request image into a model tensor.
type Preprocessor interface {
	DecodeAndNormalize(raw string) (*imageprocessor.Tensor, image.Image, error)
}

// ModelLoader hands out the shared model handle.
type ModelLoader interface {
	Load(ctx context.Context) (classifier.Model, error)
	Close() error
}

// Artifacts persists images and their metadata.
type Artifacts interface {
	StoreImage(ctx context.Context, img image.Image) (string, string, error)
	StoreMetadata(ctx context.Context, record *storage.ImageRecord) error
	GetMetadata(ctx context.Context, id string) (*storage.ImageRecord, error)
	ListMetadata(ctx context.Context, limit int) ([]*storage.ImageRecord, error)
}

// Dependencies is the explicit service bundle the use case runs on.
type Dependencies struct {
	Preprocessor Preprocessor
	Models       ModelLoader
	Classifier   *classifier.Classifier
	Artifacts    Artifacts
	Publisher    notify.Publisher
	// Cache is optional and only serves record lookups.
	Cache   Cache
	Metrics *metrics.PipelineMetrics
	// Closers run after the publisher and model during Close.
	Closers []func() error
}

// Close releases every held resource and reports all failures.
func (d *Dependencies) Close() error {
	var errs []error
	if d.Publisher != nil {
		errs = append(errs, d.Publisher.Close())
	}
	if d.Models != nil {
		errs = append(errs, d.Models.Close())
	}
	for _, closer := range d.Closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}

// Options tunes the use case.
type Options struct {
	// PublishTimeout bounds the notification step.
	PublishTimeout time.Duration
	// RecordTTL is how long records stay in the cache.
	RecordTTL time.Duration
	// StatsScanLimit caps how many records Stats reads.
	StatsScanLimit int
	Now            func() time.Time
}

// ClassificationUseCase runs the decode, classify, persist and notify pipeline.
type ClassificationUseCase struct {
	deps           *Dependencies
	logger         *zap.Logger
	now            func() time.Time
	publishTimeout time.Duration
	recordTTL      time.Duration
	statsLimit     int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationUseCase constructs a new use case instance.
func NewClassificationUseCase(deps *Dependencies, opts Options, logger *zap.Logger) *ClassificationUseCase {
	uc := &ClassificationUseCase{
		deps:           deps,
		logger:         logger.Named("classification_usecase"),
		now:            opts.Now,
		publishTimeout: opts.PublishTimeout,
		recordTTL:      opts.RecordTTL,
		statsLimit:     opts.StatsScanLimit,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	if uc.now == nil {
		uc.now = time.Now
	}
	if uc.publishTimeout <= 0 {
		uc.publishTimeout = 10 * time.Second
	}
	if uc.recordTTL <= 0 {
		uc.recordTTL = 5 * time.Minute
	}
	if uc.statsLimit <= 0 {
		uc.statsLimit = DefaultStatsScanLimit
	}
	return uc
}

// Handle runs req through the pipeline and renders the response. It never
// returns an error; failures are expressed through the status code.
func (uc *ClassificationUseCase) Handle(ctx context.Context, req Request) Response {
	outcome, err := uc.Classify(ctx, req)
	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Err: err}
		}
		return FailureResponse(stageErr)
	}
	return jsonResponse(http.StatusOK, outcome)
}

// FailureResponse renders the Failed(stage, reason) state.
func FailureResponse(err *StageError) Response {
	return jsonResponse(err.StatusCode(), failureBody{
		Error: err.PublicReason(),
		Stage: err.Stage,
		ImgID: err.ImgID,
	})
}

// Classify runs the pipeline. Any returned error is a *StageError. A failed
// notification is reported through Outcome.Notified, not as an error.
func (uc *ClassificationUseCase) Classify(ctx context.Context, req Request) (*Outcome, error) {
	requestID := RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	state := StateReceived

	fail := func(stage Stage, imgID string, err error) (*Outcome, error) {
		stageErr := &StageError{Stage: stage, ImgID: imgID, Err: err}
		uc.deps.Metrics.RecordFailure(string(stage))
		fields := []zap.Field{
			zap.String("state", string(StateFailed)),
			zap.String("stage", string(stage)),
			zap.String("last_state", string(state)),
			zap.Int("status", stageErr.StatusCode()),
			zap.Error(err),
		}
		if imgID != "" {
			fields = append(fields, zap.String("img_id", imgID))
		}
		if stageErr.StatusCode() < http.StatusInternalServerError {
			opLogger.Warn("request rejected", fields...)
		} else {
			opLogger.Error("request failed", fields...)
		}
		return nil, stageErr
	}

	// Decode
	if err := ctx.Err(); err != nil {
		return fail(StageDecode, "", err)
	}
	started := time.Now()
	tensor, img, err := uc.deps.Preprocessor.DecodeAndNormalize(req.Image)
	uc.deps.Metrics.ObserveStage(string(StageDecode), time.Since(started))
	if err != nil {
		return fail(StageDecode, "", err)
	}
	state = StateDecoded

	// Classify
	started = time.Now()
	model, err := uc.deps.Models.Load(ctx)
	uc.deps.Metrics.ObserveStage(string(StageLoadModel), time.Since(started))
	if err != nil {
		return fail(StageLoadModel, "", err)
	}
	if err := ctx.Err(); err != nil {
		return fail(StageClassify, "", err)
	}
	started = time.Now()
	result, err := uc.deps.Classifier.Predict(model, tensor)
	uc.deps.Metrics.ObserveStage(string(StageClassify), time.Since(started))
	if err != nil {
		return fail(StageClassify, "", err)
	}
	state = StateClassified
	opLogger.Debug("image classified",
		zap.Int("class", result.ClassIndex),
		zap.Int("waste_binary", result.WasteBinary))

	// Persist blob
	if err := ctx.Err(); err != nil {
		return fail(StagePersistBlob, "", err)
	}
	started = time.Now()
	imgID, blobRef, err := uc.deps.Artifacts.StoreImage(ctx, img)
	uc.deps.Metrics.ObserveStage(string(StagePersistBlob), time.Since(started))
	if err != nil {
		return fail(StagePersistBlob, "", err)
	}
	state = StatePersistedBlob
	opLogger = opLogger.With(zap.String("img_id", imgID))

	// Persist metadata
	record := storage.NewImageRecord(imgID, blobRef, result, uc.now())
	started = time.Now()
	err = uc.deps.Artifacts.StoreMetadata(ctx, record)
	uc.deps.Metrics.ObserveStage(string(StagePersistMetadata), time.Since(started))
	if err != nil {
		if errors.Is(err, storage.ErrPartialFailure) {
			uc.deps.Metrics.IncOrphanedBlobs()
		}
		return fail(StagePersistMetadata, imgID, err)
	}
	state = StatePersistedMetadata
	uc.cacheRecord(ctx, requestID, record)

	// Notify
	notified := uc.publish(ctx, opLogger, notify.Message{
		Class:       result.ClassIndex,
		WasteBinary: result.WasteBinary,
		ImgID:       imgID,
	})
	if notified {
		state = StateNotified
	}

	outcome := &Outcome{
		ImgID:        imgID,
		Class:        result.ClassIndex,
		WasteBinary:  result.WasteBinary,
		ModelVersion: result.ModelVersion,
		Notified:     notified,
		Message:      resultMessage(result.ClassIndex, result.WasteBinary, imgID, notified),
		Predictions:  result.Probabilities,
		BlobRef:      blobRef,
		WasteFillPct: req.WasteFillPct,
		RecycFillPct: req.RecycFillPct,
	}

	uc.deps.Metrics.RecordSuccess(result.WasteBinary)
	fields := []zap.Field{
		zap.Int("class", outcome.Class),
		zap.Int("waste_binary", outcome.WasteBinary),
		zap.Bool("notified", notified),
		zap.String("state", string(StateResponded)),
		zap.String("last_state", string(state)),
	}
	if req.WasteFillPct != nil {
		fields = append(fields, zap.Float64("waste_fill_pct", *req.WasteFillPct))
	}
	if req.RecycFillPct != nil {
		fields = append(fields, zap.Float64("recyc_fill_pct", *req.RecycFillPct))
	}
	opLogger.Info("request completed", fields...)
	return outcome, nil
}

func (uc *ClassificationUseCase) publish(ctx context.Context, opLogger *zap.Logger, msg notify.Message) bool {
	if uc.deps.Publisher == nil {
		return false
	}
	pubCtx, cancel := context.WithTimeout(ctx, uc.publishTimeout)
	defer cancel()

	started := time.Now()
	err := uc.deps.Publisher.Publish(pubCtx, msg)
	uc.deps.Metrics.ObserveStage(string(StageNotify), time.Since(started))
	if err != nil {
		uc.deps.Metrics.IncPublishFailures()
		opLogger.Warn("notification not delivered", zap.Error(err))
		return false
	}
	return true
}

func wasteKind(wasteBinary int) string {
	if wasteBinary == classifier.Landfill {
		return "landfill"
	}
	return "recyclable"
}

func resultMessage(class, wasteBinary int, imgID string, notified bool) string {
	kind := wasteKind(wasteBinary)
	if notified {
		return fmt.Sprintf("Published to receiver: class %d, %s waste result for %s.jpg", class, kind, imgID)
	}
	return fmt.Sprintf("Classified as class %d, %s waste result for %s.jpg; receiver not notified", class, kind, imgID)
}

func jsonResponse(status int, payload any) Response {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
