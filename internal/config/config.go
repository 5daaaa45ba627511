// Package config defines the broadcaster configuration. It is loaded once at
// process start (Lambda cold start or CLI launch) and never modified.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Invalid or missing required values fail the process on startup.
package config

import (
	"time"

	"phrasecast/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for credential fields.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the
// sub-struct they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"phrasecast-broadcaster"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Dispatch      DispatchConfig
	Schedule      ScheduleConfig
	Content       ContentConfig
	Email         EmailConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	TestMode      TestModeConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DispatchConfig tunes pacing against the mail provider.
type DispatchConfig struct {
	Throttle          time.Duration `envconfig:"THROTTLE_DELAY" default:"600ms" validate:"min=0"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"8" validate:"min=1,max=100"`
	DefaultRetryAfter time.Duration `envconfig:"DEFAULT_RETRY_AFTER" default:"1500ms" validate:"gt=0"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s" validate:"gt=0"`
}

// ScheduleConfig holds the quiet band and the plan table source.
type ScheduleConfig struct {
	QuietStartUTC int    `envconfig:"QUIET_HOURS_START_UTC" default:"5" validate:"min=0,max=23"`
	QuietEndUTC   int    `envconfig:"QUIET_HOURS_END_UTC" default:"11" validate:"min=0,max=23"`
	Timezone      string `envconfig:"SERVICE_TIMEZONE" default:"America/Lima" validate:"required,timezone"`
	// PlanFile replaces the built-in plan table when set.
	PlanFile string `envconfig:"PLAN_SCHEDULE_FILE" validate:"omitempty,file"`
}

// ContentConfig selects where phrases come from and how they are picked.
type ContentConfig struct {
	// PhrasesFile (CSV or YAML) takes precedence over the phrases table.
	PhrasesFile string `envconfig:"PHRASES_FILE"`
	Strategy    string `envconfig:"CONTENT_STRATEGY" default:"hash" validate:"oneof=hash anti_repetition"`
	// HistoryRetention caps the anti-repetition rows kept per subscriber.
	HistoryRetention int `envconfig:"HISTORY_RETENTION" default:"50" validate:"min=0"`
}

// EmailConfig holds mail provider credentials and the sender identity.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"resend" validate:"oneof=resend ses stub"`
	ResendAPIKey   SecretString `envconfig:"RESEND_API_KEY"`
	ResendBaseURL  string       `envconfig:"RESEND_BASE_URL" validate:"omitempty,url"`
	SESConfigSet   string       `envconfig:"SES_CONFIGURATION_SET"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"frases@example.com" validate:"required,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Frases"`
	PreferencesURL string       `envconfig:"PREFERENCES_URL" validate:"omitempty,url"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env. Empty disables the Postgres-backed stores.
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	// QueryTimeout bounds each store call of a run.
	QueryTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"20s" validate:"gt=0"`
}

// RedisConfig enables the Redis run lock when URL is set.
type RedisConfig struct {
	URL     SecretString  `envconfig:"REDIS_URL"`
	LockTTL time.Duration `envconfig:"RUN_LOCK_TTL" default:"10m" validate:"gt=0"`
}

// AWSConfig holds regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Phrasecast"`
}

// TestModeConfig routes a run to a fixed recipient list for manual checks.
type TestModeConfig struct {
	Force         bool     `envconfig:"FORCE_TEST_MODE" default:"false"`
	Recipients    []string `envconfig:"TEST_RECIPIENTS" validate:"dive,email"`
	RecipientPlan int      `envconfig:"TEST_RECIPIENT_PLAN" default:"1"`
}

// Enabled reports whether runs should use the override recipient list.
func (t TestModeConfig) Enabled() bool {
	return t.Force || len(t.Recipients) > 0
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
