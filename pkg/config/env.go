package config

const (
	EnvPrefix = "GENOCS"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	BrokerDriverRabbitMQ = "rabbitmq"
	BrokerDriverPubSub   = "pubsub"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	EnvAppEnv   = "GENOCS_APP_ENV"
	EnvPort     = "GENOCS_APP_PORT"
	EnvLogLevel = "GENOCS_LOG_LEVEL"

	EnvDBDSN  = "GENOCS_DB_DSN"
	EnvDBHost = "GENOCS_DB_HOST"
	EnvDBUser = "GENOCS_DB_USER"
	EnvDBName = "GENOCS_DB_NAME"

	EnvRedisURL  = "GENOCS_REDIS_URL"
	EnvUseSQLite = "GENOCS_USE_SQLITE"

	EnvBrokerDriver      = "GENOCS_BROKER_DRIVER"
	EnvBrokerSubscribers = "GENOCS_BROKER_EVENT_SUBSCRIBERS"

	EnvRabbitMQHostName    = "GENOCS_RABBITMQ_HOSTNAME"
	EnvRabbitMQPort        = "GENOCS_RABBITMQ_PORT"
	EnvRabbitMQVirtualHost = "GENOCS_RABBITMQ_VIRTUAL_HOST"
	EnvRabbitMQUseSSL      = "GENOCS_RABBITMQ_USE_SSL"

	EnvGCPProjectID = "GENOCS_GCP_PROJECT_ID"

	EnvOutboxPollMS     = "GENOCS_OUTBOX_PUBLISH_POLL_MS"
	EnvOutboxMaxBackoff = "GENOCS_OUTBOX_MAX_BACKOFF"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
