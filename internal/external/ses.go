package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"phrasecast/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESTransport.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the settings for an SESTransport.
type SESConfig struct {
	// ConfigSetName is the SES configuration set used for event tracking.
	// Optional.
	ConfigSetName string
	// EndpointURL overrides the SES endpoint (LocalStack).
	EndpointURL string
	Logger      *slog.Logger
}

// SESTransport delivers mail through AWS SES v2. Credentials come from the
// IAM role, so there is no key to check at construction.
type SESTransport struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

// NewSESTransport creates an SESTransport from an AWS config.
func NewSESTransport(awsCfg aws.Config, cfg SESConfig) *SESTransport {
	api := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return NewSESTransportWithAPI(api, cfg)
}

// NewSESTransportWithAPI creates an SESTransport over a pre-built client.
func NewSESTransportWithAPI(api SESAPI, cfg SESConfig) *SESTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESTransport{
		api:           api,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// Send transmits one message as simple content. SES has no idempotency
// header, so the key is attached as a message tag for correlation.
//
// Error mapping:
//   - MessageRejected → ErrCodeEmailBlocked
//   - TooManyRequestsException → ErrCodeUpstreamRateLimited (no server delay)
//   - SendingPausedException → ErrCodeUpstreamUnavailable
//   - Other → ErrCodeUpstreamEmailProvider
func (s *SESTransport) Send(ctx context.Context, in types.MailInput) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(in.From)),
		Destination: &sestypes.Destination{
			ToAddresses: []string{in.To},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(in.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{},
			},
		},
	}
	if in.HTML != "" {
		input.Content.Simple.Body.Html = &sestypes.Content{
			Data:    aws.String(in.HTML),
			Charset: aws.String("UTF-8"),
		}
	}
	if in.Text != "" {
		input.Content.Simple.Body.Text = &sestypes.Content{
			Data:    aws.String(in.Text),
			Charset: aws.String("UTF-8"),
		}
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}
	if in.IdempotencyKey != "" {
		input.EmailTags = []sestypes.MessageTag{{
			Name:  aws.String("IdempotencyKey"),
			Value: aws.String(in.IdempotencyKey),
		}}
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		mapped := mapSESError(err)
		s.logger.DebugContext(ctx, "ses send failed",
			"dest", RedactEmail(in.To),
			"error", mapped,
		)
		return "", mapped
	}
	return aws.ToString(out.MessageId), nil
}

func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	}
	var throttled *sestypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return types.NewRateLimitedError(fmt.Sprintf("SES rate limit exceeded: %v", err), 0, err)
	}
	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES account sending paused: %v", err), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

var _ types.MailTransport = (*SESTransport)(nil)
