package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/waste-classifier/internal/auth"
	"github.com/example/waste-classifier/internal/storage"
	"github.com/example/waste-classifier/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	requests   []usecase.Request
	requestIDs []string
	response   usecase.Response
	record     *storage.ImageRecord
	recordErr  error
	stats      *usecase.Stats
	statsErr   error
}

func (s *stubService) Handle(ctx context.Context, req usecase.Request) usecase.Response {
	s.requests = append(s.requests, req)
	s.requestIDs = append(s.requestIDs, usecase.RequestIDFromContext(ctx))
	return s.response
}

func (s *stubService) GetRecord(_ context.Context, id string) (*storage.ImageRecord, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	if s.record == nil || s.record.ImgID != id {
		return nil, storage.ErrNotFound
	}
	return s.record, nil
}

func (s *stubService) Stats(context.Context) (*usecase.Stats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	return s.stats, nil
}

func newTestRouter(svc Service) *gin.Engine {
	return newObservedRouter(svc, zap.NewNop())
}

func newObservedRouter(svc Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	registry := prometheus.NewRegistry()
	RegisterRoutes(router, svc, auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
	return router
}

func okResponse() usecase.Response {
	return usecase.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"class":0,"waste_binary":0,"img_id":"abc"}`,
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestClassifyPassesThroughResponse(t *testing.T) {
	svc := &stubService{response: okResponse()}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewBufferString(`{"image":"aGVsbG8=","recycFillPct":12.5}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "req-42")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, okResponse().Body, resp.Body.String())
	assert.Equal(t, "req-42", resp.Header().Get(RequestIDHeader))

	require.Len(t, svc.requests, 1)
	assert.Equal(t, "aGVsbG8=", svc.requests[0].Image)
	require.NotNil(t, svc.requests[0].RecycFillPct)
	assert.Equal(t, 12.5, *svc.requests[0].RecycFillPct)
	assert.Nil(t, svc.requests[0].WasteFillPct)
	assert.Equal(t, []string{"req-42"}, svc.requestIDs)
}

func TestClassifyPropagatesFailureStatus(t *testing.T) {
	svc := &stubService{response: usecase.Response{StatusCode: http.StatusBadGateway, Body: `{"error":"image could not be stored","stage":"persist_blob"}`}}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewBufferString(`{"image":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(RequestIDHeader))
}

func TestClassifyRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        []byte
		want        int
	}{
		{"unsupported content type", "text/plain", []byte("hello"), http.StatusUnsupportedMediaType},
		{"malformed json", "application/json", []byte("{"), http.StatusBadRequest},
		{"too large", "application/json", append([]byte(`{"image":"`), bytes.Repeat([]byte("a"), MaxBodySize+1)...), http.StatusRequestEntityTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{response: okResponse()}
			router := newTestRouter(svc)

			req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			assert.Equal(t, tc.want, resp.Code)
			assert.Empty(t, svc.requests)
		})
	}
}

func TestGetRecord(t *testing.T) {
	record := &storage.ImageRecord{
		ImgID:       "abc",
		Predictions: []float32{0.9, 0.1},
		WasteBinary: 0,
		Timestamp:   "2024-05-01T12:00:00Z",
		S3URL:       "s3://bucket/image_storage/abc.jpg",
	}
	router := newTestRouter(&stubService{record: record})
	token := buildTestToken(t, "operator-1")

	cases := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"found", "/records/abc", token, http.StatusOK},
		{"missing", "/records/zzz", token, http.StatusNotFound},
		{"unauthenticated", "/records/abc", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			assert.Equal(t, tc.want, resp.Code)
		})
	}
}

func TestGetRecordBackendFailure(t *testing.T) {
	router := newTestRouter(&stubService{recordErr: errors.New("table prod_records unavailable")})

	req := httptest.NewRequest(http.MethodGet, "/records/abc", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator-1"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.NotContains(t, resp.Body.String(), "prod_records")
}

func TestGetRecordLogsRequester(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	record := &storage.ImageRecord{ImgID: "abc"}
	router := newObservedRouter(&stubService{record: record}, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/records/abc", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator-7"))
	req.Header.Set(RequestIDHeader, "req-9")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	entries := logs.FilterMessage("record lookup").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "operator-7", fields["subject"])
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "abc", fields["img_id"])
}

func TestStats(t *testing.T) {
	stats := &usecase.Stats{
		TotalItems:    4,
		RecyclingRate: 75,
		Items: []usecase.RecentItem{
			{ImgID: "n1", Class: 0, WasteBinary: 0, Type: "recyclable", Timestamp: "2024-05-01T12:00:00Z"},
		},
	}
	token := buildTestToken(t, "dashboard")

	cases := []struct {
		name  string
		svc   *stubService
		token string
		want  int
	}{
		{"ok", &stubService{stats: stats}, token, http.StatusOK},
		{"unauthenticated", &stubService{stats: stats}, "", http.StatusUnauthorized},
		{"backend failure", &stubService{statsErr: errors.New("scan on prod_records throttled")}, token, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(tc.svc)
			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			assert.Equal(t, tc.want, resp.Code)
			assert.NotContains(t, resp.Body.String(), "prod_records")
			if tc.want == http.StatusOK {
				assert.JSONEq(t, `{"totalItems":4,"recyclingRate":75,"items":[{"img_id":"n1","class":0,"waste_binary":0,"type":"recyclable","timestamp":"2024-05-01T12:00:00Z"}]}`, resp.Body.String())
			}
		})
	}
}

func TestLambdaInvokeDirectEvent(t *testing.T) {
	svc := &stubService{response: okResponse()}
	h := NewLambdaHandler(svc, zap.NewNop())

	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "aws-req-1"})
	resp, err := h.Invoke(ctx, json.RawMessage(`{"image":"aGVsbG8=","wasteFillPct":80}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, svc.requests, 1)
	assert.Equal(t, "aGVsbG8=", svc.requests[0].Image)
	require.NotNil(t, svc.requests[0].WasteFillPct)
	assert.Equal(t, 80.0, *svc.requests[0].WasteFillPct)
	assert.Equal(t, []string{"aws-req-1"}, svc.requestIDs)
}

func TestLambdaInvokeProxyEvent(t *testing.T) {
	inner := `{"image":"aGVsbG8="}`
	cases := map[string]string{
		"plain body":  mustJSON(t, map[string]any{"body": inner, "httpMethod": "POST"}),
		"base64 body": mustJSON(t, map[string]any{"body": base64.StdEncoding.EncodeToString([]byte(inner)), "isBase64Encoded": true}),
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubService{response: okResponse()}
			h := NewLambdaHandler(svc, zap.NewNop())

			resp, err := h.Invoke(context.Background(), json.RawMessage(event))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			require.Len(t, svc.requests, 1)
			assert.Equal(t, "aGVsbG8=", svc.requests[0].Image)
		})
	}
}

func TestLambdaInvokeUnreadableEvent(t *testing.T) {
	cases := map[string]string{
		"not json":        `not-json`,
		"bad proxy body":  `{"body":"{"}`,
		"bad base64 body": `{"body":"%%%","isBase64Encoded":true}`,
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubService{response: okResponse()}
			h := NewLambdaHandler(svc, zap.NewNop())

			resp, err := h.Invoke(context.Background(), json.RawMessage(event))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, resp.Body, `"stage":"decode"`)
			assert.Empty(t, svc.requests)
		})
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
