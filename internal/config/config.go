// Package config defines the relay's configuration. It is loaded once at
// startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	Command-line flags (Highest) -> OS Environment -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"gelfrelay/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted
// when the config is logged.
type SecretString = types.SecretString

// Config is the top-level relay configuration. Sub-components receive only
// the subsets they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn warning error critical"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
	Verbose     bool   `envconfig:"VERBOSE" default:"false"`

	Backend       BackendConfig
	Listener      ListenerConfig
	Delivery      DeliveryConfig
	Instance      InstanceConfig
	Ops           OpsConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// BackendConfig identifies the document store records are posted to.
type BackendConfig struct {
	// Base URL without index or type, e.g. http://es:9200
	URL      string       `envconfig:"BACKEND_URL" validate:"required,url"`
	Index    string       `envconfig:"BACKEND_INDEX" default:"logging" validate:"required"`
	DocType  string       `envconfig:"BACKEND_DOC_TYPE" default:"docker" validate:"required"`
	Username string       `envconfig:"BACKEND_USERNAME"`
	Password SecretString `envconfig:"BACKEND_PASSWORD"`
	MaxConns int          `envconfig:"BACKEND_MAX_CONNS" default:"100" validate:"min=1"`
}

// ListenerConfig holds the GELF UDP endpoint settings.
type ListenerConfig struct {
	Addr            string        `envconfig:"LISTEN_ADDR" default:"0.0.0.0"`
	Port            int           `envconfig:"LISTEN_PORT" default:"12201" validate:"min=0,max=65535"`
	MaxInFlight     int64         `envconfig:"MAX_IN_FLIGHT" default:"0" validate:"min=0"`
	DrainTimeout    time.Duration `envconfig:"DRAIN_TIMEOUT" default:"10s"`
	MaxMessageBytes int           `envconfig:"MAX_MESSAGE_BYTES" default:"8388608" validate:"min=1"`
}

// DeliveryConfig tunes the retry loop and the backend circuit breaker.
type DeliveryConfig struct {
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"5" validate:"min=1"`
	BackoffWindow   time.Duration `envconfig:"BACKOFF_WINDOW" default:"60s"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"20"`
	BreakerCooldown time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// InstanceConfig is stamped into every record as host and host_addr.
type InstanceConfig struct {
	ID string `envconfig:"INSTANCE_ID"`
	IP string `envconfig:"INSTANCE_IP"`
}

// OpsConfig controls the health and stats endpoint. An empty port disables it.
type OpsConfig struct {
	Port string `envconfig:"OPS_PORT" default:"8080"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Records that exhaust their attempts are published here when set.
	DropQueueURL string `envconfig:"DROP_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"GelfRelay"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// NeedsAWS reports whether any AWS-backed component is enabled.
func (c *Config) NeedsAWS() bool {
	return c.Observability.MetricsEnabled || c.AWS.DropQueueURL != ""
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrDotenv indicates an explicitly requested env file could not be read.
	ErrDotenv ConfigErrorType = "DOTENV_FAILED"
)
