package config

const EnvPrefix = "MEDIASEARCH"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv    = "MEDIASEARCH_APP_ENV"
	EnvPort      = "MEDIASEARCH_APP_PORT"
	EnvDBDSN     = "MEDIASEARCH_DB_DSN"
	EnvDBHost    = "MEDIASEARCH_DB_HOST"
	EnvDBUser    = "MEDIASEARCH_DB_USER"
	EnvDBName    = "MEDIASEARCH_DB_NAME"
	EnvRedisURL  = "MEDIASEARCH_REDIS_URL"
	EnvJWTSecret = "MEDIASEARCH_JWT_SECRET"
	EnvJWTIssuer = "MEDIASEARCH_JWT_ISSUER"

	EnvEmbeddingDimensions = "MEDIASEARCH_EMBEDDING_DIMENSIONS"
	EnvMaxConcurrentVision = "MEDIASEARCH_MAX_CONCURRENT_VISION"
	EnvWSAuthTimeout       = "MEDIASEARCH_WS_AUTH_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
