package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	AI           AIConfig
	Storage      StorageConfig
	Batch        BatchConfig
	Audit        AuditConfig
	Worker       WorkerConfig
	WebSocket    WebSocketConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.AI.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MEDIASEARCH_APP_ENV" required:"true"`
	Port         string `envconfig:"MEDIASEARCH_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MEDIASEARCH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MEDIASEARCH_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"MEDIASEARCH_LOG_FORMAT" default:"json"`

	CORSOrigins []string `envconfig:"MEDIASEARCH_CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "development")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"MEDIASEARCH_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MEDIASEARCH_DB_DSN"`
	Driver string `envconfig:"MEDIASEARCH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MEDIASEARCH_DB_HOST"`
	LegacyPort     int    `envconfig:"MEDIASEARCH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MEDIASEARCH_DB_USER"`
	LegacyPassword string `envconfig:"MEDIASEARCH_DB_PASSWORD"`
	LegacyName     string `envconfig:"MEDIASEARCH_DB_NAME"`
	LegacySSLMode  string `envconfig:"MEDIASEARCH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MEDIASEARCH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MEDIASEARCH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MEDIASEARCH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MEDIASEARCH_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// SlowQueryThreshold of 0 disables slow query warnings.
	SlowQueryThreshold time.Duration `envconfig:"MEDIASEARCH_DB_SLOW_QUERY_THRESHOLD" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MEDIASEARCH_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MEDIASEARCH_REDIS_ADDR"`
	Password     string        `envconfig:"MEDIASEARCH_REDIS_PASSWORD"`
	DB           int           `envconfig:"MEDIASEARCH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MEDIASEARCH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MEDIASEARCH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MEDIASEARCH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MEDIASEARCH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MEDIASEARCH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"MEDIASEARCH_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"MEDIASEARCH_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"MEDIASEARCH_JWT_EXPIRATION_MINUTES" default:"60"`
}

type RateLimitConfig struct {
	BulkUploadWindow  time.Duration `envconfig:"MEDIASEARCH_RATE_LIMIT_BULK_WINDOW" default:"1m"`
	BulkUploadLimit   int           `envconfig:"MEDIASEARCH_RATE_LIMIT_BULK_LIMIT" default:"5"`
	BatchStatusWindow time.Duration `envconfig:"MEDIASEARCH_RATE_LIMIT_BATCH_STATUS_WINDOW" default:"1m"`
	BatchStatusLimit  int           `envconfig:"MEDIASEARCH_RATE_LIMIT_BATCH_STATUS_LIMIT" default:"120"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"MEDIASEARCH_AUTO_MIGRATE" default:"false"`
}

// AIConfig configures the local Ollama-hosted vision and embedding models.
type AIConfig struct {
	OllamaHost             string        `envconfig:"MEDIASEARCH_OLLAMA_HOST" default:"http://localhost:11434"`
	VisionModel            string        `envconfig:"MEDIASEARCH_VISION_MODEL" default:"qwen2.5vl:7b"`
	EmbeddingModel         string        `envconfig:"MEDIASEARCH_EMBEDDING_MODEL" default:"bge-m3"`
	EmbeddingDimensions    int           `envconfig:"MEDIASEARCH_EMBEDDING_DIMENSIONS" default:"1024"`
	MaxConcurrentVision    int           `envconfig:"MEDIASEARCH_MAX_CONCURRENT_VISION" default:"1"`
	MaxConcurrentEmbedding int           `envconfig:"MEDIASEARCH_MAX_CONCURRENT_EMBEDDING" default:"2"`
	RetryAttempts          int           `envconfig:"MEDIASEARCH_AI_RETRY_ATTEMPTS" default:"3"`
	RetryMinBackoff        time.Duration `envconfig:"MEDIASEARCH_AI_RETRY_MIN_BACKOFF" default:"2s"`
	RetryMaxBackoff        time.Duration `envconfig:"MEDIASEARCH_AI_RETRY_MAX_BACKOFF" default:"30s"`
	RequestTimeout         time.Duration `envconfig:"MEDIASEARCH_AI_REQUEST_TIMEOUT" default:"5m"`
	EmbeddingMaxChars      int           `envconfig:"MEDIASEARCH_EMBEDDING_MAX_CHARS" default:"8000"`
	ImageMaxDimension      int           `envconfig:"MEDIASEARCH_VISION_IMAGE_MAX_DIMENSION" default:"1568"`
	ImagePatchSize         int           `envconfig:"MEDIASEARCH_VISION_PATCH_SIZE" default:"28"`
	ImageJPEGQuality       int           `envconfig:"MEDIASEARCH_VISION_JPEG_QUALITY" default:"90"`
	MaxVideoFrames         int           `envconfig:"MEDIASEARCH_MAX_VIDEO_FRAMES" default:"10"`
}

func (a AIConfig) validate() error {
	if a.EmbeddingDimensions <= 0 {
		return errors.New("embedding dimensions must be positive")
	}
	if a.MaxConcurrentVision < 1 || a.MaxConcurrentEmbedding < 1 {
		return errors.New("ai concurrency limits must be at least 1")
	}
	if a.RetryAttempts < 1 {
		return errors.New("ai retry attempts must be at least 1")
	}
	return nil
}

type StorageConfig struct {
	UploadPath      string `envconfig:"MEDIASEARCH_UPLOAD_PATH" default:"./storage/uploads"`
	ThumbnailWidth  int    `envconfig:"MEDIASEARCH_THUMBNAIL_WIDTH" default:"256"`
	ThumbnailHeight int    `envconfig:"MEDIASEARCH_THUMBNAIL_HEIGHT" default:"256"`
	FFmpegBinary    string `envconfig:"MEDIASEARCH_FFMPEG_BINARY" default:"ffmpeg"`
	MaxUploadBytes  int64  `envconfig:"MEDIASEARCH_MAX_UPLOAD_BYTES" default:"104857600"`
}

type BatchConfig struct {
	MaxFiles         int           `envconfig:"MEDIASEARCH_MAX_BULK_FILES" default:"100"`
	MaxTotalBytes    int64         `envconfig:"MEDIASEARCH_MAX_BULK_BYTES" default:"5368709120"`
	ListDefaultLimit int           `envconfig:"MEDIASEARCH_BATCH_LIST_DEFAULT_LIMIT" default:"20"`
	ListMaxLimit     int           `envconfig:"MEDIASEARCH_BATCH_LIST_MAX_LIMIT" default:"100"`
	JobTimeout       time.Duration `envconfig:"MEDIASEARCH_BATCH_JOB_TIMEOUT" default:"6h"`
	ProgressPoll     time.Duration `envconfig:"MEDIASEARCH_PROGRESS_POLL_INTERVAL" default:"300ms"`
}

// AuditConfig holds the description audit thresholds and penalty weights.
type AuditConfig struct {
	PassThreshold          int     `envconfig:"MEDIASEARCH_AUDIT_PASS_THRESHOLD" default:"60"`
	MinLength              int     `envconfig:"MEDIASEARCH_DESCRIPTION_MIN_LENGTH" default:"50"`
	MaxLength              int     `envconfig:"MEDIASEARCH_DESCRIPTION_MAX_LENGTH" default:"5000"`
	MinWordDiversity       float64 `envconfig:"MEDIASEARCH_DESCRIPTION_MIN_WORD_DIVERSITY" default:"0.3"`
	MaxConsecutiveRepeats  int     `envconfig:"MEDIASEARCH_DESCRIPTION_MAX_CONSECUTIVE_REPEATS" default:"3"`
	MaxGibberishRatio      float64 `envconfig:"MEDIASEARCH_DESCRIPTION_MAX_GIBBERISH_RATIO" default:"0.3"`
	PenaltyBadToken        int     `envconfig:"MEDIASEARCH_AUDIT_PENALTY_BAD_TOKEN" default:"40"`
	PenaltyTooShort        int     `envconfig:"MEDIASEARCH_AUDIT_PENALTY_TOO_SHORT" default:"30"`
	PenaltyTooLong         int     `envconfig:"MEDIASEARCH_AUDIT_PENALTY_TOO_LONG" default:"10"`
	PenaltyLowDiversity    int     `envconfig:"MEDIASEARCH_AUDIT_PENALTY_LOW_DIVERSITY" default:"30"`
	PenaltyConsecutive     int     `envconfig:"MEDIASEARCH_AUDIT_PENALTY_CONSECUTIVE_REPEATS" default:"30"`
	PenaltyHighGibberish   int     `envconfig:"MEDIASEARCH_AUDIT_PENALTY_HIGH_GIBBERISH" default:"25"`
	// MaxDescriptionAttempts counts the first description plus regenerations
	// after a failed audit.
	MaxDescriptionAttempts int     `envconfig:"MEDIASEARCH_DESCRIPTION_MAX_ATTEMPTS" default:"3"`
}

type WorkerConfig struct {
	Concurrency     int           `envconfig:"MEDIASEARCH_WORKER_CONCURRENCY" default:"2"`
	Queue           string        `envconfig:"MEDIASEARCH_WORKER_QUEUE" default:"batches"`
	ShutdownTimeout time.Duration `envconfig:"MEDIASEARCH_WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
	MetricsAddr     string        `envconfig:"MEDIASEARCH_WORKER_METRICS_ADDR" default:":9091"`
}

type WebSocketConfig struct {
	AuthTimeout       time.Duration `envconfig:"MEDIASEARCH_WS_AUTH_TIMEOUT" default:"5s"`
	HeartbeatInterval time.Duration `envconfig:"MEDIASEARCH_WS_HEARTBEAT_INTERVAL" default:"30s"`
	WriteWait         time.Duration `envconfig:"MEDIASEARCH_WS_WRITE_WAIT" default:"10s"`
	ReadLimitBytes    int64         `envconfig:"MEDIASEARCH_WS_READ_LIMIT_BYTES" default:"65536"`
	SendBuffer        int           `envconfig:"MEDIASEARCH_WS_SEND_BUFFER" default:"64"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
