package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phrasecast/internal/types"
)

// scriptedTransport returns the next scripted error for each call to a
// recipient; a nil entry (or an exhausted script) means success.
type scriptedTransport struct {
	script map[string][]error
	calls  []types.MailInput
}

func (s *scriptedTransport) Send(_ context.Context, in types.MailInput) (string, error) {
	s.calls = append(s.calls, in)
	queue := s.script[in.To]
	if len(queue) == 0 {
		return "msg-" + in.To, nil
	}
	err := queue[0]
	s.script[in.To] = queue[1:]
	if err != nil {
		return "", err
	}
	return "msg-" + in.To, nil
}

func (s *scriptedTransport) callsTo(to string) int {
	n := 0
	for _, c := range s.calls {
		if c.To == to {
			n++
		}
	}
	return n
}

type alwaysThrottled struct{ calls int }

func (a *alwaysThrottled) Send(context.Context, types.MailInput) (string, error) {
	a.calls++
	return "", types.NewRateLimitedError("429 too many requests", 0, nil)
}

type sleepRecorder struct{ waits []time.Duration }

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func messages(emails ...string) []types.OutboundMessage {
	out := make([]types.OutboundMessage, len(emails))
	for i, e := range emails {
		out[i] = types.OutboundMessage{
			Recipient:      e,
			Subject:        "Para ti",
			HTMLBody:       "<p>hola</p>",
			TextBody:       "hola",
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		}
	}
	return out
}

func newTestEngine(tr types.MailTransport, rec *sleepRecorder) *Engine {
	return New(tr, DefaultConfig(), nil, WithSleepFunc(rec.sleep))
}

func TestSendAllThrottlesBetweenMessages(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{}}
	rec := &sleepRecorder{}

	res, err := newTestEngine(tr, rec).SendAll(context.Background(), messages("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []time.Duration{600 * time.Millisecond, 600 * time.Millisecond}, rec.waits)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, "msg-b@x.com", res.Outcomes[1].MessageID)
}

func TestSendAllPassesIdempotencyKeyAndSender(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{}}
	cfg := DefaultConfig()
	cfg.From = types.SenderIdentity{Address: "frases@example.com", Name: "Frases"}

	_, err := New(tr, cfg, nil, WithSleepFunc((&sleepRecorder{}).sleep)).SendAll(context.Background(), messages("a@x.com"))
	require.NoError(t, err)

	require.Len(t, tr.calls, 1)
	assert.Equal(t, "key-0", tr.calls[0].IdempotencyKey)
	assert.Equal(t, "frases@example.com", tr.calls[0].From.Address)
	assert.Equal(t, "hola", tr.calls[0].Text)
}

func TestSendAllRetriesThrottledMessageInPlace(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{
		"a@x.com": {
			types.NewRateLimitedError("429", 2*time.Second, nil),
			types.NewRateLimitedError("429", 0, nil),
		},
	}}
	rec := &sleepRecorder{}

	res, err := newTestEngine(tr, rec).SendAll(context.Background(), messages("a@x.com", "b@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, tr.callsTo("a@x.com"))
	assert.Equal(t, 3, res.Outcomes[0].Attempts)
	// The same recipient is retried before moving on.
	assert.Equal(t, "a@x.com", tr.calls[2].To)
	assert.Equal(t, "b@x.com", tr.calls[3].To)
	assert.Equal(t, []time.Duration{2 * time.Second, 1500 * time.Millisecond, 600 * time.Millisecond}, rec.waits)
}

func TestSendAllAlwaysThrottledAbortsAfterMaxRetries(t *testing.T) {
	tr := &alwaysThrottled{}
	cfg := DefaultConfig()
	cfg.MaxRetries = 5

	res, err := New(tr, cfg, nil, WithSleepFunc((&sleepRecorder{}).sleep)).
		SendAll(context.Background(), messages("a@x.com", "b@x.com"))

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)
	assert.Equal(t, 5, tr.calls, "exactly MaxRetries attempts, never more")
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Failed)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusFatal, res.Outcomes[0].Status)
}

func TestSendAllZeroThrottleKeepsOtherDefaults(t *testing.T) {
	tr := &alwaysThrottled{}
	rec := &sleepRecorder{}
	_, err := New(tr, Config{}, nil, WithSleepFunc(rec.sleep)).SendAll(context.Background(), messages("a@x.com"))

	assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)
	assert.Equal(t, 8, tr.calls)
	require.Len(t, rec.waits, 7)
	assert.Equal(t, 1500*time.Millisecond, rec.waits[0])
}

func TestSendAllZeroThrottleDoesNotPause(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{}}
	rec := &sleepRecorder{}

	res, err := New(tr, Config{}, nil, WithSleepFunc(rec.sleep)).SendAll(context.Background(), messages("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Sent)
	assert.Empty(t, rec.waits)
}

func TestSendAllDefaultMaxRetries(t *testing.T) {
	tr := &alwaysThrottled{}
	_, err := newTestEngine(tr, &sleepRecorder{}).SendAll(context.Background(), messages("a@x.com"))

	assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)
	assert.Equal(t, 8, tr.calls)
}

func TestSendAllPartialFailureContinues(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{
		"b@x.com": {types.NewAppError(types.ErrCodeUpstreamEmailProvider, "422 invalid recipient", nil)},
		"c@x.com": {errors.New("connection reset")},
	}}

	res, err := newTestEngine(tr, &sleepRecorder{}).SendAll(context.Background(), messages("a@x.com", "b@x.com", "c@x.com", "d@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, tr.callsTo("b@x.com"), "non-throttle failures are not retried")
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
	assert.Equal(t, StatusSent, res.Outcomes[3].Status)
}

func TestSendAllCredentialRejectionIsFatal(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{
		"b@x.com": {types.NewAppError(types.ErrCodeUpstreamAuthRejected, "401 invalid api key", nil)},
	}}

	res, err := newTestEngine(tr, &sleepRecorder{}).SendAll(context.Background(), messages("a@x.com", "b@x.com", "c@x.com"))
	require.Error(t, err)

	assert.Equal(t, types.ErrCodeUpstreamAuthRejected, types.CodeOf(err))
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, tr.callsTo("c@x.com"))
}

func TestSendAllStopsOnContextCancel(t *testing.T) {
	tr := &scriptedTransport{script: map[string][]error{}}
	ctx, cancel := context.WithCancel(context.Background())

	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := New(tr, DefaultConfig(), nil, WithSleepFunc(sleep)).SendAll(ctx, messages("a@x.com", "b@x.com"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, tr.calls, 1)
}

func TestSendAllEmpty(t *testing.T) {
	res, err := newTestEngine(&alwaysThrottled{}, &sleepRecorder{}).SendAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Empty(t, res.Outcomes)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
