package broadcast

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phrasecast/internal/content"
	"phrasecast/internal/db"
	"phrasecast/internal/dispatch"
	"phrasecast/internal/external"
	"phrasecast/internal/personalize"
	"phrasecast/internal/schedule"
	"phrasecast/internal/types"
)

// Wednesday 13:00 UTC.
var wednesday1300 = time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC)

var phrases = content.StaticSource{
	{ID: "1", Text: "Carpe diem", Author: "Horacio"},
	{ID: "2", Text: "Conócete a ti mismo", Author: "Sócrates"},
	{ID: "3", Text: "Pienso, luego existo", Author: "Descartes"},
}

type fakeSubscribers struct {
	snap  types.SubscriberSnapshot
	err   error
	calls int
}

func (f *fakeSubscribers) ListActiveSubscribers(context.Context) (types.SubscriberSnapshot, error) {
	f.calls++
	return f.snap, f.err
}

type countingContent struct {
	calls int
}

func (c *countingContent) LoadContent(ctx context.Context) ([]types.ContentItem, error) {
	c.calls++
	return phrases.LoadContent(ctx)
}

// failingTransport records every call and fails with err, or succeeds when
// err is nil.
type failingTransport struct {
	mu    sync.Mutex
	err   error
	calls []types.MailInput
}

func (f *failingTransport) Send(_ context.Context, in types.MailInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return "", f.err
	}
	return "msg-" + in.To, nil
}

type fakeLock struct {
	held       bool
	err        error
	acquiredBy string
	key        string
	released   bool
}

func (l *fakeLock) Acquire(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.key = key
	l.acquiredBy = holder
	return true, nil
}

func (l *fakeLock) Release(_ context.Context, key, holder string) error {
	if key == l.key && holder == l.acquiredBy {
		l.released = true
	}
	return nil
}

type fakeHistory struct {
	startErr error
	started  []string
	finished []string
	items    int
}

func (h *fakeHistory) Start(_ context.Context, jobType string) (int64, error) {
	if h.startErr != nil {
		return 0, h.startErr
	}
	h.started = append(h.started, jobType)
	return int64(len(h.started)), nil
}

func (h *fakeHistory) Finish(_ context.Context, _ int64, status string, itemsProcessed int, _ error) error {
	h.finished = append(h.finished, status)
	h.items = itemsProcessed
	return nil
}

type fakeMetrics struct{ records []types.RunRecord }

func (m *fakeMetrics) PublishRun(_ context.Context, rec types.RunRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type memoryDeliveries struct {
	sent map[string]map[string]int64
}

func (m *memoryDeliveries) SentContentIDs(_ context.Context, key string) (map[string]int64, error) {
	out := map[string]int64{}
	for id, slot := range m.sent[key] {
		out[id] = slot
	}
	return out, nil
}

func (m *memoryDeliveries) RecordSent(_ context.Context, key, contentID string, slot int64) error {
	if m.sent == nil {
		m.sent = map[string]map[string]int64{}
	}
	if m.sent[key] == nil {
		m.sent[key] = map[string]int64{}
	}
	m.sent[key][contentID] = slot
	return nil
}

func (m *memoryDeliveries) ResetCycle(_ context.Context, key string) error {
	delete(m.sent, key)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func mixedSubscribers() *fakeSubscribers {
	return &fakeSubscribers{snap: types.SubscriberSnapshot{
		Subscribers: []types.Subscriber{
			{ID: "u1", Email: "daily@example.com", Frequency: types.FrequencyDaily1},
			{ID: "u2", Email: "free@example.com", Frequency: types.FrequencyFree},
			{ID: "u3", Email: "quad@example.com", Frequency: types.FrequencyDaily4},
		},
		Dropped: 1,
	}}
}

type fixture struct {
	subs      *fakeSubscribers
	transport *failingTransport
	lock      *fakeLock
	history   *fakeHistory
	metrics   *fakeMetrics
	deps      Deps
	cfg       Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	window, err := schedule.NewQuietWindow(5, 11)
	require.NoError(t, err)
	p, err := personalize.New(personalize.Config{})
	require.NoError(t, err)

	f := &fixture{
		subs:      mixedSubscribers(),
		transport: &failingTransport{},
		lock:      &fakeLock{},
		history:   &fakeHistory{},
		metrics:   &fakeMetrics{},
		cfg:       Config{TestRecipientPlan: types.FrequencyDaily1},
	}
	f.deps = Deps{
		Content:      phrases,
		Subscribers:  f.subs,
		Personalizer: p,
		Dispatcher:   dispatch.New(f.transport, dispatch.DefaultConfig(), nil, dispatch.WithSleepFunc(noSleep)),
		Lock:         f.lock,
		History:      f.history,
		Metrics:      f.metrics,
		Window:       window,
	}
	return f
}

func (f *fixture) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(f.deps, f.cfg)
	require.NoError(t, err)
	return r
}

func TestRunOnceSendsToEligibleSubscribers(t *testing.T) {
	f := newFixture(t)

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)

	wantItem, _, err := content.SelectForSlot(schedule.SlotOf(wednesday1300), phrases)
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, schedule.SlotOf(wednesday1300), report.Slot)
	assert.Equal(t, wantItem.ID, report.ContentID)
	assert.Equal(t, 3, report.Loaded)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 0, report.Failed)
	assert.False(t, report.ExitFailure())

	require.Len(t, f.transport.calls, 2)
	assert.Equal(t, "daily@example.com", f.transport.calls[0].To)
	assert.Equal(t, "free@example.com", f.transport.calls[1].To)
	assert.Contains(t, f.transport.calls[0].Text, wantItem.Text)

	assert.Equal(t, "broadcast:"+strconv.FormatInt(report.Slot, 10), f.lock.key)
	assert.Equal(t, report.RunID, f.lock.acquiredBy)
	assert.True(t, f.lock.released)

	assert.Equal(t, []string{JobType}, f.history.started)
	assert.Equal(t, []string{db.JobStatusSuccess}, f.history.finished)
	assert.Equal(t, 2, f.history.items)

	require.Len(t, f.metrics.records, 1)
	assert.Equal(t, 2, f.metrics.records[0].Sent)
	assert.NoError(t, f.metrics.records[0].Err)
}

func TestRunOnceDryRunNeverDispatches(t *testing.T) {
	f := newFixture(t)
	f.transport.err = errors.New("dispatch must not be reached")

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{DryRun: true, Now: wednesday1300})
	require.NoError(t, err)

	assert.Empty(t, f.transport.calls)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, []string{"d***@example.com", "f***@example.com"}, report.Recipients)
	assert.Empty(t, f.lock.key, "dry runs take no lock")
	assert.Empty(t, f.history.started)
	assert.Empty(t, f.metrics.records)
	assert.True(t, strings.HasPrefix(report.Summary(), "[dry-run] "))
}

func TestRunOnceDryRunWithoutDispatcher(t *testing.T) {
	f := newFixture(t)
	f.deps.Dispatcher = nil

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{DryRun: true, Now: wednesday1300})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Eligible)
}

func TestRunOnceDryRunInsideQuietHoursStillReports(t *testing.T) {
	f := newFixture(t)
	quiet := time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{DryRun: true, Now: quiet})
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Empty(t, f.transport.calls)
}

func TestRunOnceSkipsOutsideSendingWindow(t *testing.T) {
	f := newFixture(t)
	counting := &countingContent{}
	f.deps.Content = counting
	quiet := time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: quiet})
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, SkipQuietHours, report.SkipReason)
	assert.Equal(t, types.StageWindow, report.SkipStage)
	assert.Zero(t, counting.calls)
	assert.Zero(t, f.subs.calls)
	assert.Empty(t, f.transport.calls)
	assert.Contains(t, report.Summary(), "skipped (outside global sending window)")
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.lock.held = true

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, SkipLockHeld, report.SkipReason)
	assert.Equal(t, types.StageLock, report.SkipStage)
	assert.Zero(t, f.subs.calls)
	assert.Empty(t, f.transport.calls)
	assert.Equal(t, []string{JobType}, f.history.started)
	assert.Equal(t, []string{db.JobStatusSkipped}, f.history.finished)
	assert.False(t, f.lock.released, "a lock this run never held is not released")
}

func TestRunOnceLockHeldWithHistoryDown(t *testing.T) {
	f := newFixture(t)
	f.lock.held = true
	f.history.startErr = errors.New("job_history unavailable")

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.history.finished)
}

func TestRunOnceLockErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.lock.err = types.NewAppError(types.ErrCodeLockUnavailable, "redis down", nil)

	_, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.Error(t, err)
	assert.Equal(t, types.StageLock, types.StageOf(err))
	assert.Equal(t, types.ErrCodeLockUnavailable, types.CodeOf(err))
	assert.Empty(t, f.transport.calls)
}

func TestRunOnceEmptyContentIsFatal(t *testing.T) {
	f := newFixture(t)
	f.deps.Content = content.StaticSource{}

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEmptyContent)
	assert.Equal(t, types.StageContent, types.StageOf(err))
	assert.Empty(t, f.transport.calls)
	assert.Zero(t, f.subs.calls)

	assert.True(t, f.lock.released)
	assert.Equal(t, []string{db.JobStatusFailed}, f.history.finished)
	require.Len(t, f.metrics.records, 1)
	assert.Error(t, f.metrics.records[0].Err)
	assert.NotNil(t, report)
}

func TestRunOnceStoreUnavailableIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed", types.NewAppError(types.ErrCodeStoreUnavailable, "query timed out", nil)},
		{"plain", errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.subs.err = tt.err

			_, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrStoreUnavailable)
			assert.Equal(t, types.StageSubscribers, types.StageOf(err))
			assert.Empty(t, f.transport.calls)
		})
	}
}

func TestRunOnceRetryBudgetExhaustedIsFatal(t *testing.T) {
	f := newFixture(t)
	f.transport.err = types.NewRateLimitedError("429", 0, nil)
	cfg := dispatch.DefaultConfig()
	cfg.MaxRetries = 3
	f.deps.Dispatcher = dispatch.New(f.transport, cfg, nil, dispatch.WithSleepFunc(noSleep))

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)
	assert.Equal(t, types.StageDispatch, types.StageOf(err))
	assert.Len(t, f.transport.calls, 3, "the run stops on the first recipient")
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, []string{db.JobStatusFailed}, f.history.finished)
}

func TestRunOnceAllFailedIsExitFailure(t *testing.T) {
	f := newFixture(t)
	f.transport.err = types.NewAppError(types.ErrCodeUpstreamEmailProvider, "422 invalid", nil)

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 2, report.Failed)
	assert.True(t, report.ExitFailure())
	assert.Equal(t, []string{db.JobStatusFailed}, f.history.finished)
}

func TestRunOnceLiveWithoutDispatcherIsFatal(t *testing.T) {
	f := newFixture(t)
	f.deps.Dispatcher = nil

	_, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMissingCredentials)
	assert.Empty(t, f.lock.key)
}

func TestRunOnceHistoryStartFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.history.startErr = errors.New("job_history unavailable")

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Empty(t, f.history.finished)
}

func TestRunOnceTestModeBypassesScheduleAndStore(t *testing.T) {
	f := newFixture(t)
	quiet := time.Date(2026, 10, 13, 7, 0, 0, 0, time.UTC)

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{
		Now:            quiet,
		TestRecipients: []string{"qa@example.com", "not-an-email", "QA@example.com", "dev@example.com"},
	})
	require.NoError(t, err)

	assert.True(t, report.TestMode)
	assert.False(t, report.Skipped)
	assert.Zero(t, f.subs.calls)
	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, 2, report.Dropped)
	assert.Equal(t, 2, report.Sent)
	require.Len(t, f.transport.calls, 2)
	assert.Equal(t, "qa@example.com", f.transport.calls[0].To)
	assert.Equal(t, "dev@example.com", f.transport.calls[1].To)
}

func TestRunOnceConfiguredTestRecipients(t *testing.T) {
	f := newFixture(t)
	f.cfg.TestRecipients = []string{"qa@example.com"}

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)
	assert.True(t, report.TestMode)
	assert.Equal(t, 1, report.Sent)
	assert.Zero(t, f.subs.calls)
}

func TestRunOnceAntiRepetitionRecordsDeliveries(t *testing.T) {
	f := newFixture(t)
	history := &memoryDeliveries{}
	f.deps.Selector = content.NewAntiRepetitionSelector(history, nil)

	r := f.runner(t)
	first, err := r.RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)
	require.Equal(t, 2, first.Sent)

	assert.Len(t, history.sent["u1"], 1)
	assert.Len(t, history.sent["u2"], 1)
	assert.NotContains(t, history.sent, "u3")

	// The next daily slot must not repeat u1's item.
	firstItem := onlyKey(history.sent["u1"])
	_, err = r.RunOnce(context.Background(), RunOptions{Now: wednesday1300.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, history.sent["u1"], 2)
	assert.Contains(t, history.sent["u1"], firstItem)
}

func TestRunOnceAntiRepetitionRerunInSameSlotRepeatsMessages(t *testing.T) {
	f := newFixture(t)
	f.deps.Selector = content.NewAntiRepetitionSelector(&memoryDeliveries{}, nil)
	r := f.runner(t)

	_, err := r.RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)
	_, err = r.RunOnce(context.Background(), RunOptions{Now: wednesday1300.Add(20 * time.Minute)})
	require.NoError(t, err)

	require.Len(t, f.transport.calls, 4)
	first, second := f.transport.calls[:2], f.transport.calls[2:]
	for i := range first {
		assert.Equal(t, first[i].To, second[i].To)
		assert.Equal(t, first[i].Subject, second[i].Subject)
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.Equal(t, first[i].IdempotencyKey, second[i].IdempotencyKey,
			"re-running a slot must reuse the idempotency key for %s", first[i].To)
	}
}

func TestRunOnceUsesStubTransport(t *testing.T) {
	f := newFixture(t)
	stub := external.NewStubMailTransport(nil)
	f.deps.Dispatcher = dispatch.New(stub, dispatch.DefaultConfig(), nil, dispatch.WithSleepFunc(noSleep))

	report, err := f.runner(t).RunOnce(context.Background(), RunOptions{Now: wednesday1300})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	sent := stub.Sent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].IdempotencyKey, sent[1].IdempotencyKey)
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	_, err := NewRunner(Deps{}, Config{})
	assert.Error(t, err)

	_, err = NewRunner(Deps{Content: phrases}, Config{})
	assert.Error(t, err)
}

func onlyKey(m map[string]int64) string {
	for k := range m {
		return k
	}
	return ""
}
