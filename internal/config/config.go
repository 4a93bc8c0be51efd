package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Minio      MinioConfig      `mapstructure:"minio"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	AI         AIConfig         `mapstructure:"ai"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	PublicURL string `mapstructure:"public_url"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topics  struct {
		ImageIngestion    string `mapstructure:"image_ingestion"`
		ImageIngestionDLQ string `mapstructure:"image_ingestion_dlq"`
	} `mapstructure:"topics"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

type AIConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Instruction string        `mapstructure:"instruction"`
}

type IngestConfig struct {
	MaxFileBytes       int64         `mapstructure:"max_file_bytes"`
	AIResizeThreshold  int64         `mapstructure:"ai_resize_threshold"`
	AIMaxBytes         int64         `mapstructure:"ai_max_bytes"`
	AIVariantEdge      int           `mapstructure:"ai_variant_edge"`
	DisplayEdge        int           `mapstructure:"display_edge"`
	EnqueueConcurrency int           `mapstructure:"enqueue_concurrency"`
	SubBatchSize       int           `mapstructure:"sub_batch_size"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	WorkerCooldown     time.Duration `mapstructure:"worker_cooldown"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	ProgressTTL        time.Duration `mapstructure:"progress_ttl"`
	ProgressFlushEvery time.Duration `mapstructure:"progress_flush_every"`
	StuckThreshold     time.Duration `mapstructure:"stuck_threshold"`
}

type SyncConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Cron       string   `mapstructure:"cron"`
	CatalogURL string   `mapstructure:"catalog_url"`
	PageSize   int      `mapstructure:"page_size"`
	UserPool   []string `mapstructure:"user_pool"`
}

type AuthConfig struct {
	JWTSecret string          `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration   `mapstructure:"token_ttl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	setDefaults()

	// Environment variable overrides
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "development")

	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_time", "15m")
	viper.SetDefault("database.max_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.url", "localhost:6379")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.timeout", "5s")

	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.bucket", "images")
	viper.SetDefault("minio.use_ssl", false)
	viper.SetDefault("minio.public_url", "http://localhost:9000/images")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topics.image_ingestion", "image-ingestion")
	viper.SetDefault("kafka.topics.image_ingestion_dlq", "image-ingestion-dlq")
	viper.SetDefault("kafka.consumer_group", "image-processors")

	viper.SetDefault("ai.timeout", "60s")
	viper.SetDefault("ai.instruction", "Describe this image in one short sentence.")

	viper.SetDefault("ingest.max_file_bytes", 20*1024*1024)
	viper.SetDefault("ingest.ai_resize_threshold", 2*1024*1024)
	viper.SetDefault("ingest.ai_max_bytes", 10*1024*1024)
	viper.SetDefault("ingest.ai_variant_edge", 256)
	viper.SetDefault("ingest.display_edge", 1080)
	viper.SetDefault("ingest.enqueue_concurrency", 5)
	viper.SetDefault("ingest.sub_batch_size", 10)
	viper.SetDefault("ingest.fetch_timeout", "15s")
	viper.SetDefault("ingest.worker_concurrency", 3)
	viper.SetDefault("ingest.worker_cooldown", "200ms")
	viper.SetDefault("ingest.max_attempts", 3)
	viper.SetDefault("ingest.progress_ttl", "1h")
	viper.SetDefault("ingest.progress_flush_every", "500ms")
	viper.SetDefault("ingest.stuck_threshold", "2m")

	viper.SetDefault("sync.enabled", false)
	viper.SetDefault("sync.cron", "@hourly")
	viper.SetDefault("sync.page_size", 20)

	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.rate_limit.requests", 60)
	viper.SetDefault("auth.rate_limit.window", "1m")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
}
