// Package config loads runtime settings for the classifier from the
// environment, an optional .env file and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config enumerates every external location and policy the pipeline needs.
// Nothing in the pipeline hardcodes a bucket, table, topic or class mapping.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	AWSRegion string `mapstructure:"aws_region"`

	// Blob storage for uploaded images and the model artifact.
	Bucket      string `mapstructure:"bucket"`
	ImagePrefix string `mapstructure:"image_prefix"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`

	// Metadata table.
	Table           string `mapstructure:"table"`
	MetadataBackend string `mapstructure:"metadata_backend"`
	DatabaseDSN     string `mapstructure:"database_dsn"`

	// Model artifact.
	ModelBucket    string `mapstructure:"model_bucket"`
	ModelKey       string `mapstructure:"model_key"`
	ModelLocalPath string `mapstructure:"model_local_path"`
	ModelVersion   string `mapstructure:"model_version"`
	ModelThreads   int    `mapstructure:"model_threads"`

	// Class index to binary waste label. 0 = recyclable, 1 = landfill.
	ClassMap      string `mapstructure:"class_map"`
	DefaultBinary string `mapstructure:"default_binary"`

	// Notification topic and transport.
	Topic          string        `mapstructure:"topic"`
	Notifier       string        `mapstructure:"notifier"`
	IoTEndpoint    string        `mapstructure:"iot_endpoint"`
	MQTTBroker     string        `mapstructure:"mqtt_broker"`
	MQTTClientID   string        `mapstructure:"mqtt_client_id"`
	MQTTUsername   string        `mapstructure:"mqtt_username"`
	MQTTPassword   string        `mapstructure:"mqtt_password"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	MaxImageBytes  int `mapstructure:"max_image_bytes"`
	MaxImagePixels int `mapstructure:"max_image_pixels"`

	// HTTP service mode.
	ListenAddr     string        `mapstructure:"listen_addr"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RecordTTL      time.Duration `mapstructure:"record_ttl"`
	StatsScanLimit int           `mapstructure:"stats_scan_limit"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTAudience    string        `mapstructure:"jwt_audience"`
}

// Backend names accepted for MetadataBackend and Notifier.
const (
	MetadataDynamoDB = "dynamodb"
	MetadataSQL      = "sql"
	NotifierIoT      = "iot"
	NotifierMQTT     = "mqtt"
)

// envAliases keeps the variable names used by the existing Lambda deployment working.
var envAliases = map[string]string{
	"bucket":     "BUCKET_NAME",
	"table":      "TABLE_NAME",
	"topic":      "IOT_TOPIC",
	"aws_region": "AWS_REGION",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("bucket", "")
	v.SetDefault("image_prefix", "image_storage")
	v.SetDefault("jpeg_quality", 90)
	v.SetDefault("table", "waste_classifier_images")
	v.SetDefault("metadata_backend", MetadataDynamoDB)
	v.SetDefault("database_dsn", "")
	v.SetDefault("model_bucket", "")
	v.SetDefault("model_key", "models/waste_classifier_model.tflite")
	v.SetDefault("model_local_path", "/tmp/waste_classifier_model.tflite")
	v.SetDefault("model_version", "")
	v.SetDefault("model_threads", 0)
	v.SetDefault("class_map", "0:0")
	v.SetDefault("default_binary", "1")
	v.SetDefault("topic", "esp32/image/waste_classification")
	v.SetDefault("notifier", NotifierIoT)
	v.SetDefault("iot_endpoint", "")
	v.SetDefault("mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("mqtt_client_id", "waste-classifier")
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("publish_timeout", 10*time.Second)
	v.SetDefault("max_image_bytes", 10<<20)
	v.SetDefault("max_image_pixels", 40_000_000)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_addr", "")
	v.SetDefault("record_ttl", 5*time.Minute)
	v.SetDefault("stats_scan_limit", 1000)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_audience", "")
}

// Load reads and validates configuration.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads configuration without validating it. Values come, in increasing
// precedence, from defaults, the YAML file at path (if non-empty), a local
// .env file and the process environment (WASTE_<KEY> or the deployment aliases).
func Read(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WASTE")
	v.AutomaticEnv()
	for key, alias := range envAliases {
		if err := v.BindEnv(key, "WASTE_"+strings.ToUpper(key), alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.ModelBucket == "" {
		cfg.ModelBucket = cfg.Bucket
	}
	return cfg, nil
}

// Validate checks the settings every run mode depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if c.Table == "" {
		errs = append(errs, errors.New("table is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be within 1..100, got %d", c.JPEGQuality))
	}
	switch c.MetadataBackend {
	case MetadataDynamoDB:
	case MetadataSQL:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("database_dsn is required for the sql metadata backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown metadata_backend %q", c.MetadataBackend))
	}
	switch c.Notifier {
	case NotifierIoT, NotifierMQTT:
	default:
		errs = append(errs, fmt.Errorf("unknown notifier %q", c.Notifier))
	}
	if _, _, err := c.BinaryTable(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BinaryTable parses ClassMap ("class:label,class:label") and DefaultBinary.
// The returned fallback is nil when DefaultBinary is empty, meaning classes
// absent from the table are rejected.
func (c *Config) BinaryTable() (map[int]int, *int, error) {
	table, err := ParseClassMap(c.ClassMap)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(c.DefaultBinary) == "" {
		return table, nil, nil
	}
	def, err := parseLabel(c.DefaultBinary)
	if err != nil {
		return nil, nil, fmt.Errorf("default_binary: %w", err)
	}
	return table, &def, nil
}

// ParseClassMap parses a comma separated list of class:label pairs.
func ParseClassMap(raw string) (map[int]int, error) {
	table := make(map[int]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		classStr, labelStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("class_map entry %q: expected class:label", pair)
		}
		class, err := strconv.Atoi(strings.TrimSpace(classStr))
		if err != nil || class < 0 {
			return nil, fmt.Errorf("class_map entry %q: invalid class index", pair)
		}
		label, err := parseLabel(labelStr)
		if err != nil {
			return nil, fmt.Errorf("class_map entry %q: %w", pair, err)
		}
		if _, dup := table[class]; dup {
			return nil, fmt.Errorf("class_map: class %d listed twice", class)
		}
		table[class] = label
	}
	if len(table) == 0 {
		return nil, errors.New("class_map is empty")
	}
	return table, nil
}

func parseLabel(raw string) (int, error) {
	label, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || (label != 0 && label != 1) {
		return 0, fmt.Errorf("binary label must be 0 or 1, got %q", raw)
	}
	return label, nil
}
