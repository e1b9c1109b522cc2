package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/auth"
	"github.com/example/waste-classifier/internal/config"
	"github.com/example/waste-classifier/internal/handlers"
	"github.com/example/waste-classifier/internal/imageprocessor"
	"github.com/example/waste-classifier/internal/logging"
	"github.com/example/waste-classifier/internal/metrics"
	"github.com/example/waste-classifier/internal/notify"
	"github.com/example/waste-classifier/internal/storage"
	"github.com/example/waste-classifier/internal/usecase"
)

const (
	initTimeout     = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "waste-classifier",
		Short:        "Classify waste images and notify the bin controller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The Lambda runtime starts the binary without arguments.
			if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
				return runLambda(cmd.Context(), configPath)
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "lambda",
			Short: "Run as an AWS Lambda function",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runLambda(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		newClassifyCommand(&configPath),
	)
	return root
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runLambda(ctx context.Context, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	m, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	deps, err := buildDependencies(initCtx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to build dependencies", zap.Error(err))
		return err
	}

	// Warm the model during the init phase; a failure is retried by the first request.
	if _, err := deps.Models.Load(initCtx); err != nil {
		logger.Warn("model warm-up failed", zap.Error(err))
	}

	uc := usecase.NewClassificationUseCase(deps, usecase.Options{
		PublishTimeout: cfg.PublishTimeout,
		RecordTTL:      cfg.RecordTTL,
	}, logger)
	handler := handlers.NewLambdaHandler(uc, logger)

	logger.Info("lambda handler ready", zap.String("bucket", cfg.Bucket), zap.String("topic", cfg.Topic))
	lambda.Start(handler.Invoke)
	return nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	deps, err := buildDependencies(initCtx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to build dependencies", zap.Error(err))
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("failed to release dependencies", zap.Error(err))
		}
	}()

	if cfg.RedisAddr != "" {
		redisClient, err := initRedis(initCtx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		deps.Cache = usecase.NewRedisCache(redisClient)
		deps.Closers = append(deps.Closers, redisClient.Close)
	}

	uc := usecase.NewClassificationUseCase(deps, usecase.Options{
		PublishTimeout: cfg.PublishTimeout,
		RecordTTL:      cfg.RecordTTL,
		StatsScanLimit: cfg.StatsScanLimit,
	}, logger)

	r := gin.Default()
	authMiddleware := auth.JWTMiddleware(auth.Config{Secret: cfg.JWTSecret, Audience: cfg.JWTAudience})
	handlers.RegisterRoutes(r, uc, authMiddleware, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("waste classifier listening", zap.String("addr", listener.Addr().String()))
	if err := serveHTTP(sigCtx, server, listener, shutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func newClassifyCommand(configPath *string) *cobra.Command {
	var modelPath string

	cmd := &cobra.Command{
		Use:   "classify <image-file>",
		Short: "Classify a local image with in-memory storage and no notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(*configPath)
			if err != nil {
				return err
			}
			if modelPath != "" {
				cfg.ModelLocalPath = modelPath
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			mapper, err := buildClassifier(cfg)
			if err != nil {
				return err
			}
			deps := &usecase.Dependencies{
				Preprocessor: imageprocessor.New(cfg.MaxImageBytes, cfg.MaxImagePixels),
				Models:       buildModelCache(cfg, nil, logger, nil),
				Classifier:   mapper,
				Artifacts:    buildArtifactStore(cfg, storage.NewMemoryBlobStore(), storage.NewMemoryMetadataStore(), logger),
				Publisher:    notify.NewLogPublisher(cfg.Topic, logger),
			}
			defer deps.Close() //nolint:errcheck

			uc := usecase.NewClassificationUseCase(deps, usecase.Options{PublishTimeout: cfg.PublishTimeout}, logger)
			resp := uc.Handle(cmd.Context(), usecase.Request{Image: base64.StdEncoding.EncodeToString(data)})

			fmt.Fprintln(cmd.OutOrStdout(), resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("classification failed with status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelPath, "model", "", "path to a local .tflite model (overrides model_local_path)")
	return cmd
}
