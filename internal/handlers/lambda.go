package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/imageprocessor"
	"github.com/example/waste-classifier/internal/usecase"
)

// lambdaEvent accepts both a direct invocation payload and an API Gateway
// proxy event whose body carries the payload.
type lambdaEvent struct {
	usecase.Request
	Body            *string `json:"body"`
	IsBase64Encoded bool    `json:"isBase64Encoded"`
}

// LambdaHandler adapts Service to the Lambda runtime.
type LambdaHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewLambdaHandler creates a handler for lambda.Start.
func NewLambdaHandler(svc Service, logger *zap.Logger) *LambdaHandler {
	return &LambdaHandler{svc: svc, logger: logger.Named("lambda_handler")}
}

// Invoke handles one event. Failures are reported through the response status,
// so the returned error is always nil and the runtime never retries.
func (h *LambdaHandler) Invoke(ctx context.Context, event json.RawMessage) (usecase.Response, error) {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		ctx = usecase.WithRequestID(ctx, lc.AwsRequestID)
	}

	req, err := parseEvent(event)
	if err != nil {
		h.logger.Warn("unreadable event",
			zap.String("request_id", usecase.RequestIDFromContext(ctx)),
			zap.Error(err))
		return usecase.FailureResponse(&usecase.StageError{
			Stage: usecase.StageDecode,
			Err:   fmt.Errorf("%w: %v", imageprocessor.ErrDecode, err),
		}), nil
	}

	return h.svc.Handle(ctx, req), nil
}

func parseEvent(raw json.RawMessage) (usecase.Request, error) {
	var event lambdaEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return usecase.Request{}, fmt.Errorf("invalid event JSON: %w", err)
	}
	if event.Image != "" || event.Body == nil {
		return event.Request, nil
	}

	body := []byte(*event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(*event.Body)
		if err != nil {
			return usecase.Request{}, fmt.Errorf("invalid base64 proxy body: %w", err)
		}
		body = decoded
	}

	var req usecase.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return usecase.Request{}, fmt.Errorf("invalid proxy body JSON: %w", err)
	}
	return req, nil
}
