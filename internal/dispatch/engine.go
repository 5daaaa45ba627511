// Package dispatch sends personalized messages one at a time through a mail
// transport, pacing requests and retrying provider throttles.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"phrasecast/internal/external"
	"phrasecast/internal/types"
)

// Status is the terminal state of one message.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
	// StatusFatal marks the message that aborted the run.
	StatusFatal Status = "fatal"
)

// Config controls pacing and retry behavior.
type Config struct {
	// Throttle is the pause between consecutive sends. Zero disables pacing.
	Throttle time.Duration
	// MaxRetries bounds the attempts on one throttled message. A message
	// still throttled on attempt MaxRetries aborts the run.
	MaxRetries int
	// DefaultRetryAfter is used when the provider supplies no backoff.
	DefaultRetryAfter time.Duration
	// SendTimeout bounds each transport call.
	SendTimeout time.Duration
	// From is applied to every message.
	From types.SenderIdentity
}

// DefaultConfig keeps the request rate under the provider's 2 req/s cap.
func DefaultConfig() Config {
	return Config{
		Throttle:          600 * time.Millisecond,
		MaxRetries:        8,
		DefaultRetryAfter: 1500 * time.Millisecond,
		SendTimeout:       30 * time.Second,
	}
}

// Outcome records what happened to one message.
type Outcome struct {
	Message   types.OutboundMessage
	Status    Status
	Attempts  int
	MessageID string
	Err       error
}

// Result aggregates a SendAll call. On a fatal error it covers the messages
// processed before the abort.
type Result struct {
	Sent     int
	Failed   int
	Outcomes []Outcome
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine is the sequential sender. It is not safe for concurrent use.
type Engine struct {
	transport types.MailTransport
	cfg       Config
	logger    *slog.Logger
	sleep     SleepFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleepFunc replaces the context-aware timer sleep. Tests use it to
// observe delays without waiting.
func WithSleepFunc(fn SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = fn
	}
}

// New creates an Engine. A zero Throttle sends back to back; other zero
// fields take DefaultConfig values.
func New(transport types.MailTransport, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendAll delivers messages in order.
//
// Per-recipient failures are counted and never returned as errors. The
// returned error is non-nil only for run-level conditions: a throttle that
// outlasts MaxRetries, rejected or missing credentials, or ctx ending.
func (e *Engine) SendAll(ctx context.Context, messages []types.OutboundMessage) (Result, error) {
	res := Result{Outcomes: make([]Outcome, 0, len(messages))}

	for i, msg := range messages {
		if i > 0 && e.cfg.Throttle > 0 {
			if err := e.sleep(ctx, e.cfg.Throttle); err != nil {
				return res, err
			}
		}

		out, err := e.send(ctx, msg)
		res.Outcomes = append(res.Outcomes, out)
		switch out.Status {
		case StatusSent:
			res.Sent++
		case StatusFailed:
			res.Failed++
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// send runs the PENDING -> THROTTLED -> PENDING loop for one message until it
// reaches SENT, FAILED, or FATAL.
func (e *Engine) send(ctx context.Context, msg types.OutboundMessage) (Outcome, error) {
	out := Outcome{Message: msg}
	input := types.MailInput{
		From:           e.cfg.From,
		To:             msg.Recipient,
		Subject:        msg.Subject,
		HTML:           msg.HTMLBody,
		Text:           msg.TextBody,
		IdempotencyKey: msg.IdempotencyKey,
	}
	dest := external.RedactEmail(msg.Recipient)

	for {
		if err := ctx.Err(); err != nil {
			out.Status = StatusFatal
			out.Err = err
			return out, err
		}

		out.Attempts++
		id, err := e.attempt(ctx, input)
		if err == nil {
			out.Status = StatusSent
			out.MessageID = id
			e.logger.Info("email sent",
				"dest", dest,
				"message_id", id,
				"attempts", out.Attempts,
			)
			return out, nil
		}
		out.Err = err

		switch {
		case types.IsRateLimited(err):
			if out.Attempts >= e.cfg.MaxRetries {
				out.Status = StatusFatal
				fatal := types.ErrRetryBudgetExhausted.WithDetails(map[string]any{
					"attempts": out.Attempts,
					"dest":     dest,
				})
				fatal.Err = err
				e.logger.Error("throttle retry budget exhausted",
					"dest", dest,
					"attempts", out.Attempts,
				)
				return out, fatal
			}
			wait, ok := types.RetryAfterFrom(err)
			if !ok {
				wait = e.cfg.DefaultRetryAfter
			}
			e.logger.Warn("provider throttled send, retrying",
				"dest", dest,
				"attempt", out.Attempts,
				"retry_after", wait.String(),
			)
			if err := e.sleep(ctx, wait); err != nil {
				out.Status = StatusFatal
				out.Err = err
				return out, err
			}

		case isFatalTransportError(err):
			out.Status = StatusFatal
			e.logger.Error("mail transport rejected credentials",
				"dest", dest,
				"error", err,
			)
			return out, err

		case ctx.Err() != nil:
			out.Status = StatusFatal
			return out, ctx.Err()

		default:
			out.Status = StatusFailed
			e.logger.Warn("email send failed",
				"dest", dest,
				"error", err,
			)
			return out, nil
		}
	}
}

func (e *Engine) attempt(ctx context.Context, input types.MailInput) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.transport.Send(sendCtx, input)
}

func isFatalTransportError(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrCodeUpstreamAuthRejected, types.ErrCodeMissingCredentials:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
