package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	Broker       BrokerConfig
	RabbitMQ     RabbitMQConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	GCS          GCSConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.validateBroker(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GENOCS_APP_ENV" required:"true"`
	Port         string `envconfig:"GENOCS_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"GENOCS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GENOCS_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"GENOCS_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"GENOCS_SERVICE_KIND" default:"api"`

	// MetricsAddr is where background processes expose /metrics. Empty disables it.
	MetricsAddr string `envconfig:"GENOCS_METRICS_ADDR" default:":9090"`
}

type DBConfig struct {
	DSN        string `envconfig:"GENOCS_DB_DSN"`
	Driver     string `envconfig:"GENOCS_DB_DRIVER" default:"postgres"`
	SQLitePath string `envconfig:"GENOCS_DB_SQLITE_PATH" default:"genocs.db"`

	LegacyHost     string `envconfig:"GENOCS_DB_HOST"`
	LegacyPort     int    `envconfig:"GENOCS_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GENOCS_DB_USER"`
	LegacyPassword string `envconfig:"GENOCS_DB_PASSWORD"`
	LegacyName     string `envconfig:"GENOCS_DB_NAME"`
	LegacySSLMode  string `envconfig:"GENOCS_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GENOCS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GENOCS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GENOCS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GENOCS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GENOCS_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GENOCS_REDIS_ADDR"`
	Password     string        `envconfig:"GENOCS_REDIS_PASSWORD"`
	DB           int           `envconfig:"GENOCS_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GENOCS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GENOCS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GENOCS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GENOCS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GENOCS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"GENOCS_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"GENOCS_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"GENOCS_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

// BrokerConfig holds the transport-agnostic consumer settings.
type BrokerConfig struct {
	Driver         string        `envconfig:"GENOCS_BROKER_DRIVER" default:"rabbitmq"`
	Concurrency    int           `envconfig:"GENOCS_BROKER_CONCURRENCY" default:"8"`
	HandlerTimeout time.Duration `envconfig:"GENOCS_BROKER_HANDLER_TIMEOUT" default:"30s"`
	PublishTimeout time.Duration `envconfig:"GENOCS_BROKER_PUBLISH_TIMEOUT" default:"10s"`
	Subscribers    []string      `envconfig:"GENOCS_BROKER_EVENT_SUBSCRIBERS" default:"order-log"`
}

// RabbitMQConfig mirrors the connection settings of the broker host.
type RabbitMQConfig struct {
	HostName    string `envconfig:"GENOCS_RABBITMQ_HOSTNAME" default:"localhost"`
	Port        int    `envconfig:"GENOCS_RABBITMQ_PORT" default:"5672"`
	VirtualHost string `envconfig:"GENOCS_RABBITMQ_VIRTUAL_HOST" default:"/"`
	UserName    string `envconfig:"GENOCS_RABBITMQ_USERNAME" default:"guest"`
	Password    string `envconfig:"GENOCS_RABBITMQ_PASSWORD" default:"guest"`
	UseSSL      bool   `envconfig:"GENOCS_RABBITMQ_USE_SSL" default:"false"`

	CommandExchange    string `envconfig:"GENOCS_RABBITMQ_COMMAND_EXCHANGE" default:"genocs.commands"`
	EventExchange      string `envconfig:"GENOCS_RABBITMQ_EVENT_EXCHANGE" default:"genocs.events"`
	DeadLetterExchange string `envconfig:"GENOCS_RABBITMQ_DEAD_LETTER_EXCHANGE" default:"genocs.dead-letter"`
	CommandQueue       string `envconfig:"GENOCS_RABBITMQ_COMMAND_QUEUE" default:"submit-order"`
	EventQueuePrefix   string `envconfig:"GENOCS_RABBITMQ_EVENT_QUEUE_PREFIX" default:"order-submitted"`
	Prefetch           int    `envconfig:"GENOCS_RABBITMQ_PREFETCH" default:"16"`

	DialAttempts  uint64        `envconfig:"GENOCS_RABBITMQ_DIAL_ATTEMPTS" default:"10"`
	DialBackoff   time.Duration `envconfig:"GENOCS_RABBITMQ_DIAL_BACKOFF" default:"2s"`
	RetryDelay    time.Duration `envconfig:"GENOCS_RABBITMQ_RETRY_DELAY" default:"1s"`
	MaxRetryDelay time.Duration `envconfig:"GENOCS_RABBITMQ_MAX_RETRY_DELAY" default:"30s"`
}

// URL renders the AMQP connection string, switching to amqps when SSL is on.
func (r RabbitMQConfig) URL() string {
	scheme := "amqp"
	if r.UseSSL {
		scheme = "amqps"
	}
	vhost := r.VirtualHost
	if vhost != "/" {
		vhost = strings.TrimPrefix(vhost, "/")
	}
	if vhost == "" {
		vhost = "/"
	}
	u := &url.URL{
		Scheme:  scheme,
		User:    url.UserPassword(r.UserName, r.Password),
		Host:    r.HostName + ":" + strconv.Itoa(r.Port),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
	return u.String()
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GENOCS_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"GENOCS_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GENOCS_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	CommandTopic            string `envconfig:"GENOCS_PUBSUB_COMMAND_TOPIC" default:"genocs-commands"`
	CommandSubscription     string `envconfig:"GENOCS_PUBSUB_COMMAND_SUBSCRIPTION" default:"genocs-submit-order"`
	EventTopic              string `envconfig:"GENOCS_PUBSUB_EVENT_TOPIC" default:"genocs-events"`
	EventSubscriptionPrefix string `envconfig:"GENOCS_PUBSUB_EVENT_SUBSCRIPTION_PREFIX" default:"genocs-order-submitted"`
	DeadLetterTopic         string `envconfig:"GENOCS_PUBSUB_DEAD_LETTER_TOPIC" default:"genocs-dead-letter"`
}

// BigQueryConfig locates the analytics sink used by the order-analytics
// subscriber.
type BigQueryConfig struct {
	Dataset     string `envconfig:"GENOCS_BIGQUERY_DATASET" default:"orders"`
	OrdersTable string `envconfig:"GENOCS_BIGQUERY_ORDERS_TABLE" default:"order_submitted_events"`
}

// GCSConfig locates the bucket used by the order-archive subscriber.
type GCSConfig struct {
	BucketName   string `envconfig:"GENOCS_GCS_BUCKET_NAME"`
	ObjectPrefix string `envconfig:"GENOCS_GCS_OBJECT_PREFIX" default:"order-submitted"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"GENOCS_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"GENOCS_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxBackoff     time.Duration `envconfig:"GENOCS_OUTBOX_MAX_BACKOFF" default:"30s"`
	Lease          time.Duration `envconfig:"GENOCS_OUTBOX_LEASE" default:"30s"`

	RetentionDays int `envconfig:"GENOCS_OUTBOX_RETENTION_DAYS" default:"7"`

	// RetentionInterval is how often the cron worker sweeps sent records.
	RetentionInterval time.Duration `envconfig:"GENOCS_OUTBOX_RETENTION_INTERVAL" default:"1h"`
}

// PollInterval returns the relay poll interval as a duration.
func (o OutboxConfig) PollInterval() time.Duration {
	if o.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" || useSQLite {
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

func (c *Config) validateBroker() error {
	switch strings.ToLower(strings.TrimSpace(c.Broker.Driver)) {
	case BrokerDriverRabbitMQ:
		if c.RabbitMQ.HostName == "" {
			return fmt.Errorf("%s is required for the rabbitmq driver", EnvRabbitMQHostName)
		}
	case BrokerDriverPubSub:
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("%s is required for the pubsub driver", EnvGCPProjectID)
		}
	default:
		return fmt.Errorf("unsupported %s %q", EnvBrokerDriver, c.Broker.Driver)
	}
	c.Broker.Driver = strings.ToLower(strings.TrimSpace(c.Broker.Driver))
	return nil
}
