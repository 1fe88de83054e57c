package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DBDSN                   string `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
	DBAutoMigrate           bool   `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// GraphConfig points at the Instagram Graph API (or the local mock provider).
type GraphConfig struct {
	GraphBaseURL    string `envconfig:"GRAPH_API_BASE_URL" default:"https://graph.facebook.com"`
	GraphAPIVersion string `envconfig:"GRAPH_API_VERSION" default:"v21.0"`
}

type DeliveryConfig struct {
	DeliveryTimeout       time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"10s"`
	DeliveryRPS           float64       `envconfig:"DELIVERY_RPS" default:"5"`
	DeliveryBurst         int           `envconfig:"DELIVERY_BURST" default:"10"`
	BreakerMaxFailures    uint32        `envconfig:"DELIVERY_BREAKER_MAX_FAILURES" default:"10"`
	BreakerOpenTimeout    time.Duration `envconfig:"DELIVERY_BREAKER_OPEN_TIMEOUT" default:"30s"`
	BreakerHalfOpenProbes uint32        `envconfig:"DELIVERY_BREAKER_HALF_OPEN_PROBES" default:"3"`
}

// QueueConfig is optional: with an empty SQS_QUEUE_URL ingestion does not publish
// processing triggers and the worker relies on its interval ticker.
type QueueConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`
}

type APIConfig struct {
	DBConfig
	GraphConfig
	DeliveryConfig
	QueueConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Shared secret for X-Hub-Signature-256 (the Meta app secret).
	MetaAppSecret       string `envconfig:"META_APP_SECRET" required:"true"`
	WebhookMaxBodyBytes int64  `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	AdminAPIToken       string `envconfig:"ADMIN_API_TOKEN"`
}

type WorkerConfig struct {
	DBConfig
	GraphConfig
	DeliveryConfig
	QueueConfig

	Port        string `envconfig:"PORT" default:"8081"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9091"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Zero disables the ticker; the worker then runs only on queue triggers.
	ProcessInterval time.Duration `envconfig:"PROCESS_INTERVAL" default:"30s"`
}

type CLIConfig struct {
	DBConfig
	GraphConfig
	DeliveryConfig

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// LoadCLI returns an error instead of panicking so the CLI can print usage.
func LoadCLI() (CLIConfig, error) {
	var cfg CLIConfig
	err := envconfig.Process("", &cfg)
	return cfg, err
}
