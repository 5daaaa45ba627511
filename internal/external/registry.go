package external

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"phrasecast/internal/config"
	"phrasecast/internal/types"
)

// Provider names accepted by EMAIL_PROVIDER.
const (
	ProviderResend = "resend"
	ProviderSES    = "ses"
	ProviderStub   = "stub"
)

// RegistryOption injects dependencies that config alone cannot provide.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	httpClient *http.Client
	awsCfg     *aws.Config
}

// WithHTTPClient sets the base HTTP client for HTTP-API providers.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(rc *registryConfig) {
		rc.httpClient = c
	}
}

// WithAWSConfig supplies a pre-loaded AWS config for SES.
func WithAWSConfig(cfg aws.Config) RegistryOption {
	return func(rc *registryConfig) {
		rc.awsCfg = &cfg
	}
}

// NewMailTransport builds the transport selected by cfg.Email.Provider.
// A Resend provider without an API key fails with types.ErrMissingCredentials
// before any message is attempted.
func NewMailTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...RegistryOption) (types.MailTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &registryConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	switch cfg.Email.Provider {
	case ProviderStub:
		logger.Info("initializing mail transport in STUB mode", "environment", cfg.Environment)
		return NewStubMailTransport(logger.With("mode", "stub")), nil

	case ProviderSES:
		awsCfg, err := rc.loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("initializing mail transport", "provider", ProviderSES, "region", awsCfg.Region)
		return NewSESTransport(awsCfg, SESConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			EndpointURL:   cfg.AWS.EndpointURL,
			Logger:        logger.With("client", "ses"),
		}), nil

	case ProviderResend, "":
		httpClient := rc.httpClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.Dispatch.SendTimeout + 5*time.Second}
		}
		t, err := NewResendTransport(ResendConfig{
			APIKey:     cfg.Email.ResendAPIKey.Unmask(),
			BaseURL:    cfg.Email.ResendBaseURL,
			HTTPClient: httpClient,
			UserAgent:  fmt.Sprintf("%s/%s", cfg.Service, cfg.Build.Version),
			Logger:     logger.With("client", "resend"),
		})
		if err != nil {
			return nil, err
		}
		logger.Info("initializing mail transport", "provider", ProviderResend)
		return t, nil

	default:
		return nil, types.NewAppError(
			types.ErrCodeMissingCredentials,
			fmt.Sprintf("unknown email provider %q", cfg.Email.Provider),
			nil,
		)
	}
}

func (rc *registryConfig) loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	if rc.awsCfg != nil {
		return *rc.awsCfg, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, types.NewAppError(
			types.ErrCodeMissingCredentials,
			fmt.Sprintf("loading AWS config (region=%s)", cfg.AWS.Region),
			err,
		)
	}
	return awsCfg, nil
}
