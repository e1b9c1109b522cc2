package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/auth"
	"github.com/example/waste-classifier/internal/handlers"
	"github.com/example/waste-classifier/internal/storage"
	"github.com/example/waste-classifier/internal/usecase"
)

// slowService blocks Handle until released so a request is in flight
// when shutdown starts.
type slowService struct {
	started     chan struct{}
	release     chan struct{}
	startedOnce sync.Once
}

func newSlowService() *slowService {
	return &slowService{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowService) Handle(context.Context, usecase.Request) usecase.Response {
	s.startedOnce.Do(func() { close(s.started) })
	<-s.release
	return usecase.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"img_id":"drain-1","class":0,"waste_binary":0,"notified":true}`,
	}
}

func (s *slowService) GetRecord(context.Context, string) (*storage.ImageRecord, error) {
	return nil, storage.ErrNotFound
}

func (s *slowService) Stats(context.Context) (*usecase.Stats, error) {
	return &usecase.Stats{}, nil
}

func TestServeHTTPDrainsClassifyOnShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newSlowService()
	defer func() {
		select {
		case <-svc.release:
		default:
			close(svc.release)
		}
	}()

	router := gin.New()
	handlers.RegisterRoutes(router, svc, auth.JWTMiddleware(auth.Config{}), nil, zap.NewNop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(ctx, &http.Server{Handler: router}, listener, 2*time.Second, zap.NewNop())
	}()

	client := &http.Client{Timeout: 3 * time.Second}
	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := client.Post("http://"+addr+"/classify", "application/json", bytes.NewBufferString(`{"image":"aGVsbG8="}`))
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(body)}
	}()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("classify request did not reach the service")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)

	_, dialErr := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, dialErr, "listener should be closed once shutdown starts")

	close(svc.release)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusOK, res.status)
		assert.JSONEq(t, `{"img_id":"drain-1","class":0,"waste_binary":0,"notified":true}`, res.body)
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight classify request did not complete")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestServeHTTPReturnsServeError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	err = serveHTTP(context.Background(), &http.Server{Handler: gin.New()}, listener, time.Second, zap.NewNop())
	assert.Error(t, err)
}
