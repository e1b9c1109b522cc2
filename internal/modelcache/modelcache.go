// Package modelcache keeps one loaded classification model per worker process.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/waste-classifier/internal/classifier"
	"github.com/example/waste-classifier/internal/metrics"
)

var (
	// ErrModelLoad marks any failure to materialise or deserialise the model.
	ErrModelLoad = errors.New("model load failed")
	// ErrClosed is returned by Load after Close.
	ErrClosed = errors.New("model cache closed")
)

// Fetcher downloads the model artifact to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, dest string) error
}

// OpenFunc deserialises the artifact at path into a model handle.
type OpenFunc func(path string) (classifier.Model, error)

// Cache lazily loads the model on first use and returns the same handle for
// the rest of the process lifetime. Concurrent cold-start callers share one
// load. A failed load is not remembered, so the next caller tries again.
type Cache struct {
	localPath string
	fetcher   Fetcher
	open      OpenFunc
	logger    *zap.Logger
	metrics   *metrics.PipelineMetrics

	group  singleflight.Group
	mu     sync.RWMutex
	model  classifier.Model
	closed bool
}

// New constructs a Cache. fetcher may be nil when the artifact is expected
// to already exist at localPath.
func New(localPath string, fetcher Fetcher, open OpenFunc, logger *zap.Logger, m *metrics.PipelineMetrics) *Cache {
	return &Cache{
		localPath: localPath,
		fetcher:   fetcher,
		open:      open,
		logger:    logger.Named("model_cache"),
		metrics:   m,
	}
}

// Load returns the cached model, loading it first if necessary. A caller
// whose ctx ends while waiting gets ctx's error; the shared load keeps running
// for the other callers.
func (c *Cache) Load(ctx context.Context) (classifier.Model, error) {
	if model := c.cached(); model != nil {
		return model, nil
	}
	if c.isClosed() {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, ErrClosed)
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("model", func() (any, error) {
		if model := c.cached(); model != nil {
			return model, nil
		}
		return c.load(loadCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(classifier.Model), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, ctx.Err())
	}
}

// Loaded reports whether a model handle is cached.
func (c *Cache) Loaded() bool {
	return c.cached() != nil
}

// Close releases the cached model. Later Loads fail with ErrClosed, and a
// load still in flight discards the model it opens.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	return err
}

func (c *Cache) cached() classifier.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Cache) load(ctx context.Context) (classifier.Model, error) {
	start := time.Now()

	downloaded, err := c.materialise(ctx)
	if err != nil {
		c.metrics.ObserveModelLoad(false, time.Since(start))
		c.logger.Error("model download failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	model, err := c.open(c.localPath)
	if err != nil {
		c.metrics.ObserveModelLoad(false, time.Since(start))
		c.logger.Error("model deserialisation failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := model.Close(); err != nil {
			c.logger.Warn("failed to release model opened after close", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, ErrClosed)
	}
	c.model = model
	c.mu.Unlock()

	c.metrics.ObserveModelLoad(true, time.Since(start))
	c.logger.Info("model loaded",
		zap.String("version", model.Version()),
		zap.Bool("downloaded", downloaded),
		zap.Duration("elapsed", time.Since(start)))
	return model, nil
}

// materialise makes sure the artifact exists locally and reports whether it
// had to be downloaded.
func (c *Cache) materialise(ctx context.Context) (bool, error) {
	_, err := os.Stat(c.localPath)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("stat model artifact: %w", err)
	case c.fetcher == nil:
		return false, fmt.Errorf("model artifact missing and no fetcher configured")
	}

	if err := c.fetcher.Fetch(ctx, c.localPath); err != nil {
		return false, err
	}
	return true, nil
}
