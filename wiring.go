package main

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/waste-classifier/internal/classifier"
	"github.com/example/waste-classifier/internal/config"
	"github.com/example/waste-classifier/internal/imageprocessor"
	"github.com/example/waste-classifier/internal/metrics"
	"github.com/example/waste-classifier/internal/modelcache"
	"github.com/example/waste-classifier/internal/notify"
	"github.com/example/waste-classifier/internal/repository"
	"github.com/example/waste-classifier/internal/storage"
	"github.com/example/waste-classifier/internal/usecase"
)

// buildDependencies constructs the AWS-backed service bundle used by the
// lambda and serve commands.
func buildDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.PipelineMetrics) (*usecase.Dependencies, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(awsCfg)

	mapper, err := buildClassifier(cfg)
	if err != nil {
		return nil, err
	}

	records, closeRecords, err := buildMetadataStore(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := buildPublisher(ctx, cfg, awsCfg, logger)
	if err != nil {
		if closeRecords != nil {
			_ = closeRecords()
		}
		return nil, err
	}

	deps := &usecase.Dependencies{
		Preprocessor: imageprocessor.New(cfg.MaxImageBytes, cfg.MaxImagePixels),
		Models:       buildModelCache(cfg, s3Client, logger, m),
		Classifier:   mapper,
		Artifacts:    buildArtifactStore(cfg, storage.NewS3BlobStore(s3Client, cfg.Bucket), records, logger),
		Publisher:    publisher,
		Metrics:      m,
	}
	if closeRecords != nil {
		deps.Closers = append(deps.Closers, closeRecords)
	}
	return deps, nil
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func buildClassifier(cfg *config.Config) (*classifier.Classifier, error) {
	table, fallback, err := cfg.BinaryTable()
	if err != nil {
		return nil, err
	}
	mapping, err := classifier.NewBinaryMapping(table, fallback)
	if err != nil {
		return nil, fmt.Errorf("class map: %w", err)
	}
	return classifier.New(mapping), nil
}

// buildModelCache wires the TFLite loader. A nil getter means the artifact
// must already exist at cfg.ModelLocalPath.
func buildModelCache(cfg *config.Config, getter modelcache.ObjectGetter, logger *zap.Logger, m *metrics.PipelineMetrics) *modelcache.Cache {
	var fetcher modelcache.Fetcher
	if getter != nil && cfg.ModelBucket != "" && cfg.ModelKey != "" {
		fetcher = modelcache.NewS3Fetcher(getter, cfg.ModelBucket, cfg.ModelKey)
	}

	version := cfg.ModelVersion
	if version == "" && cfg.ModelKey != "" {
		version = path.Base(cfg.ModelKey)
	}
	open := func(localPath string) (classifier.Model, error) {
		return classifier.OpenTFLite(localPath, version, cfg.ModelThreads, logger)
	}
	return modelcache.New(cfg.ModelLocalPath, fetcher, open, logger, m)
}

func buildArtifactStore(cfg *config.Config, blobs storage.BlobStore, records storage.MetadataStore, logger *zap.Logger) *storage.ArtifactStore {
	return storage.NewArtifactStore(blobs, records, logger,
		storage.WithImagePrefix(cfg.ImagePrefix),
		storage.WithJPEGQuality(cfg.JPEGQuality))
}

func buildMetadataStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) (storage.MetadataStore, func() error, error) {
	switch cfg.MetadataBackend {
	case config.MetadataSQL:
		db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("access db handle: %w", err)
		}
		repo := repository.NewImageRecordRepository(db, cfg.Table)
		if err := repo.AutoMigrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		return repo, sqlDB.Close, nil
	default:
		return storage.NewDynamoMetadataStore(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil, nil
	}
}

func initDatabase(ctx context.Context, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	logger.Info("connected to metadata database")
	return db, nil
}

func buildPublisher(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.Notifier {
	case config.NotifierMQTT:
		publisher := notify.NewMQTTPublisher(notify.MQTTConfig{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			Topic:          cfg.Topic,
			PublishTimeout: cfg.PublishTimeout,
		}, logger)
		if err := publisher.Connect(ctx); err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		client := iotdataplane.NewFromConfig(awsCfg, func(o *iotdataplane.Options) {
			if cfg.IoTEndpoint != "" {
				endpoint := cfg.IoTEndpoint
				if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
					endpoint = "https://" + endpoint
				}
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		return notify.NewIoTPublisher(client, cfg.Topic, logger), nil
	}
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
