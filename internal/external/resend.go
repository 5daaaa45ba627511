package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"phrasecast/internal/types"

	"github.com/resend/resend-go/v2"
	"github.com/sony/gobreaker/v2"
)

const resendProvider = "resend"

// ResendConfig holds the settings for a ResendTransport.
type ResendConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint. Empty uses the SDK default.
	BaseURL string
	// HTTPClient is used as the base client; its Transport is wrapped.
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger
}

// ResendTransport delivers mail through the Resend API.
type ResendTransport struct {
	client  *resend.Client
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewResendTransport builds a Resend transport. An empty API key is a
// configuration error and yields types.ErrMissingCredentials.
func NewResendTransport(cfg ResendConfig) (*ResendTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.ErrMissingCredentials
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	httpClient := &http.Client{
		Transport:     newProbingTransport(base.Transport, cfg.UserAgent),
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}

	client := resend.NewCustomClient(httpClient, cfg.APIKey)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid resend base URL %q: %w", cfg.BaseURL, err)
		}
		client.BaseURL = u
	}

	return &ResendTransport{
		client:  client,
		breaker: newBreaker(resendProvider),
		logger:  logger,
	}, nil
}

// Send submits one message. The idempotency key is passed as a send option
// so a retried send is deduplicated by Resend.
func (r *ResendTransport) Send(ctx context.Context, in types.MailInput) (string, error) {
	probe := &responseProbe{}
	ctx = withProbe(ctx, probe)

	params := &resend.SendEmailRequest{
		From:    formatFrom(in.From),
		To:      []string{in.To},
		Subject: in.Subject,
		Html:    in.HTML,
		Text:    in.Text,
	}
	opts := &resend.SendEmailOptions{IdempotencyKey: in.IdempotencyKey}

	id, err := r.breaker.Execute(func() (string, error) {
		sent, err := r.client.Emails.SendWithOptions(ctx, params, opts)
		if err != nil {
			return "", mapStatus(resendProvider, probe.status, probe.retryAfter, err)
		}
		return sent.Id, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", breakerOpenError(resendProvider, err)
	}
	if err != nil {
		r.logger.DebugContext(ctx, "resend send failed",
			"dest", RedactEmail(in.To),
			"status", probe.status,
			"error", err,
		)
		return "", err
	}
	return id, nil
}

// formatFrom renders "Name <address>", or the bare address without a name.
func formatFrom(from types.SenderIdentity) string {
	if from.Name == "" {
		return from.Address
	}
	return fmt.Sprintf("%s <%s>", from.Name, from.Address)
}

var _ types.MailTransport = (*ResendTransport)(nil)
