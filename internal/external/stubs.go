package external

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"phrasecast/internal/types"
)

// StubMailTransport logs each message instead of sending it and returns a
// predictable message ID. Used when EMAIL_PROVIDER=stub.
type StubMailTransport struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []types.MailInput
}

// NewStubMailTransport creates a StubMailTransport.
func NewStubMailTransport(logger *slog.Logger) *StubMailTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubMailTransport{logger: logger}
}

func (s *StubMailTransport) Send(ctx context.Context, in types.MailInput) (string, error) {
	s.mu.Lock()
	s.sent = append(s.sent, in)
	n := len(s.sent)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub: send email",
		"dest", RedactEmail(in.To),
		"subject", in.Subject,
		"from", in.From.Address,
	)
	key := in.IdempotencyKey
	if len(key) > 12 {
		key = key[:12]
	}
	if key == "" {
		return "msg_stub_" + strconv.Itoa(n), nil
	}
	return "msg_stub_" + key, nil
}

// Sent returns a copy of every message passed to Send.
func (s *StubMailTransport) Sent() []types.MailInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MailInput(nil), s.sent...)
}

var _ types.MailTransport = (*StubMailTransport)(nil)
