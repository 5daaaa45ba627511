// Package broadcast runs one hourly broadcast: it resolves the slot, picks
// the content, filters subscribers and hands personalized messages to the
// dispatcher.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"phrasecast/internal/content"
	"phrasecast/internal/db"
	"phrasecast/internal/dispatch"
	"phrasecast/internal/external"
	"phrasecast/internal/schedule"
	"phrasecast/internal/types"
)

// JobType is the job_history job_type of a broadcast run.
const JobType = "broadcast"

// Dispatcher sends a batch of messages. *dispatch.Engine implements it.
type Dispatcher interface {
	SendAll(ctx context.Context, messages []types.OutboundMessage) (dispatch.Result, error)
}

// Personalizer renders one message. *personalize.Personalizer implements it.
type Personalizer interface {
	Personalize(item types.ContentItem, sub types.Subscriber, slot int64) (types.OutboundMessage, error)
}

// Deps are the collaborators of a Runner. Dispatcher may be nil when the
// process only serves dry runs. Lock, History and Metrics are optional.
type Deps struct {
	Content      types.ContentSource
	Subscribers  types.SubscriberSource
	Selector     content.Selector
	Personalizer Personalizer
	Dispatcher   Dispatcher
	Lock         types.RunLock
	History      types.RunHistory
	Metrics      types.MetricsPublisher
	Plans        *schedule.PlanTable
	Window       schedule.QuietWindow
	Logger       *slog.Logger
}

// Config carries the run-level settings.
type Config struct {
	LockTTL time.Duration
	// ForceTestMode routes every run to TestRecipients even when empty.
	ForceTestMode     bool
	TestRecipients    []string
	TestRecipientPlan types.FrequencyCode
}

// RunOptions are the per-invocation inputs.
type RunOptions struct {
	DryRun bool
	// Now fixes the reference instant. Zero means the current time.
	Now time.Time
	// TestRecipients overrides the configured test list and enables test mode.
	TestRecipients []string
}

// Runner executes broadcast runs. It holds no per-run state and may be
// reused across warm Lambda invocations.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewRunner validates deps and returns a Runner.
func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	if deps.Content == nil {
		return nil, fmt.Errorf("broadcast: content source is required")
	}
	if deps.Personalizer == nil {
		return nil, fmt.Errorf("broadcast: personalizer is required")
	}
	if deps.Selector == nil {
		deps.Selector = content.HashSelector{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}, nil
}

// RunOnce performs one broadcast for the slot containing opts.Now.
//
// A skipped run returns a report with Skipped set and a nil error. A fatal
// condition returns the partial report together with an error whose
// details name the stage. Nothing is dispatched when opts.DryRun is set.
func (r *Runner) RunOnce(ctx context.Context, opts RunOptions) (*RunReport, error) {
	now := opts.Now
	if now.IsZero() {
		now = r.now()
	}
	clock := schedule.NewClock(now, r.deps.Plans, r.deps.Window, r.logger)

	recipients := opts.TestRecipients
	if len(recipients) == 0 {
		recipients = r.cfg.TestRecipients
	}
	testMode := r.cfg.ForceTestMode || len(recipients) > 0

	report := &RunReport{
		RunID:     r.newID(),
		Slot:      clock.CurrentSlot(),
		DryRun:    opts.DryRun,
		TestMode:  testMode,
		StartedAt: r.now(),
	}
	logger := r.logger.With(
		slog.String("run_id", report.RunID),
		slog.Int64("slot", report.Slot),
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("test_mode", testMode),
	)

	if !opts.DryRun && !testMode && !clock.IsWithinGlobalSendingWindow() {
		logger.Info("outside global sending window, skipping", slog.Int("hour_utc", clock.Now().Hour()))
		return r.skip(report, types.StageWindow, SkipQuietHours), nil
	}

	live := !opts.DryRun
	var jobID int64
	if live {
		if r.deps.Dispatcher == nil {
			return r.fail(report, types.AtStage(types.StageDispatch, types.ErrMissingCredentials))
		}

		held, err := r.acquire(ctx, report, logger)
		if err != nil {
			return r.fail(report, types.AtStage(types.StageLock, err))
		}
		if !held {
			r.recordSkip(ctx, logger)
			return r.skip(report, types.StageLock, SkipLockHeld), nil
		}
		defer r.release(ctx, report, logger)

		jobID = r.startHistory(ctx, logger)
	}

	err := r.execute(ctx, clock, report, recipients, testMode, logger)
	report.FinishedAt = r.now()

	if live {
		r.finishHistory(ctx, jobID, report, err, logger)
		r.publish(ctx, report, err)
	}
	if err != nil {
		logger.Error("broadcast run failed",
			slog.String("stage", types.StageOf(err)),
			slog.String("error_code", string(types.CodeOf(err))),
			slog.Any("error", err),
		)
		return report, err
	}

	logger.Info("broadcast run completed",
		slog.String("content_id", report.ContentID),
		slog.Int("loaded", report.Loaded),
		slog.Int("dropped", report.Dropped),
		slog.Int("eligible", report.Eligible),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (r *Runner) execute(ctx context.Context, clock *schedule.Clock, report *RunReport, recipients []string, testMode bool, logger *slog.Logger) error {
	items, err := r.deps.Content.LoadContent(ctx)
	if err != nil {
		return types.AtStage(types.StageContent, err)
	}
	item, idx, err := content.SelectForSlot(report.Slot, items)
	if err != nil {
		return types.AtStage(types.StageContent, err)
	}
	report.ContentID = item.ID
	logger.Info("content selected",
		slog.String("content_id", item.ID),
		slog.Int("index", idx),
		slog.Int("collection_size", len(items)),
	)

	source := r.deps.Subscribers
	if testMode {
		source = NewStaticSubscriberSource(recipients, r.cfg.TestRecipientPlan)
	}
	if source == nil {
		return types.AtStage(types.StageSubscribers,
			types.NewAppError(types.ErrCodeStoreUnavailable, "no subscriber source configured", nil))
	}
	snap, err := source.ListActiveSubscribers(ctx)
	if err != nil {
		return types.AtStage(types.StageSubscribers, asStoreUnavailable(err))
	}
	report.Loaded = len(snap.Subscribers)
	report.Dropped = snap.Dropped

	eligible := snap.Subscribers
	if !testMode {
		eligible = schedule.FilterEligible(snap.Subscribers, clock)
	}
	report.Eligible = len(eligible)

	if report.DryRun {
		for _, s := range eligible {
			report.Recipients = append(report.Recipients, external.RedactEmail(s.Email))
		}
		logger.Info("dry run: nothing dispatched",
			slog.String("content_id", item.ID),
			slog.String("text", item.Text),
			slog.String("author", item.Author),
			slog.Any("recipients", report.Recipients),
		)
		return nil
	}

	if len(eligible) == 0 {
		logger.Info("no eligible subscribers for this slot")
		return nil
	}

	messages := make([]types.OutboundMessage, 0, len(eligible))
	for _, sub := range eligible {
		chosen, err := r.deps.Selector.Select(ctx, report.Slot, sub.ID, items)
		if err != nil {
			chosen = item
		}
		msg, err := r.deps.Personalizer.Personalize(chosen, sub, report.Slot)
		if err != nil {
			return types.AtStage(types.StagePersonalize, err)
		}
		messages = append(messages, msg)
	}

	res, err := r.deps.Dispatcher.SendAll(ctx, messages)
	report.Sent = res.Sent
	report.Failed = res.Failed
	for _, out := range res.Outcomes {
		if out.Status != dispatch.StatusSent {
			continue
		}
		r.deps.Selector.Delivered(ctx, out.Message.SubscriberID, types.ContentItem{ID: out.Message.ContentID}, report.Slot)
	}
	if err != nil {
		return types.AtStage(types.StageDispatch, err)
	}
	return nil
}

func (r *Runner) acquire(ctx context.Context, report *RunReport, logger *slog.Logger) (bool, error) {
	if r.deps.Lock == nil {
		return true, nil
	}
	held, err := r.deps.Lock.Acquire(ctx, lockKey(report.Slot), report.RunID, r.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if !held {
		logger.Info("skipped: lock held by another run", slog.String("lock", lockKey(report.Slot)))
	}
	return held, nil
}

func (r *Runner) release(ctx context.Context, report *RunReport, logger *slog.Logger) {
	if r.deps.Lock == nil {
		return
	}
	if err := r.deps.Lock.Release(context.WithoutCancel(ctx), lockKey(report.Slot), report.RunID); err != nil {
		logger.Error("failed to release run lock", slog.Any("error", err))
	}
}

// startHistory records the run start. A history failure never aborts the
// run; the returned ID is then zero and Finish is skipped.
func (r *Runner) startHistory(ctx context.Context, logger *slog.Logger) int64 {
	if r.deps.History == nil {
		return 0
	}
	id, err := r.deps.History.Start(ctx, JobType)
	if err != nil {
		logger.Error("failed to record job start", slog.Any("error", err))
		return 0
	}
	return id
}

// recordSkip leaves a skipped job_history row for a run that lost the slot
// lock, so overlapping invocations stay visible.
func (r *Runner) recordSkip(ctx context.Context, logger *slog.Logger) {
	id := r.startHistory(ctx, logger)
	if id == 0 {
		return
	}
	if err := r.deps.History.Finish(context.WithoutCancel(ctx), id, db.JobStatusSkipped, 0, nil); err != nil {
		logger.Error("failed to record job skip", slog.Any("error", err))
	}
}

func (r *Runner) finishHistory(ctx context.Context, jobID int64, report *RunReport, runErr error, logger *slog.Logger) {
	if r.deps.History == nil || jobID == 0 {
		return
	}
	status := db.JobStatusSuccess
	if runErr != nil || report.ExitFailure() {
		status = db.JobStatusFailed
	}
	if err := r.deps.History.Finish(context.WithoutCancel(ctx), jobID, status, report.Sent, runErr); err != nil {
		logger.Error("failed to record job finish", slog.Any("error", err))
	}
}

func (r *Runner) publish(ctx context.Context, report *RunReport, runErr error) {
	if r.deps.Metrics == nil {
		return
	}
	// Failures are logged by the publisher.
	_ = r.deps.Metrics.PublishRun(context.WithoutCancel(ctx), types.RunRecord{
		RunID:      report.RunID,
		Slot:       report.Slot,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Sent:       report.Sent,
		Failed:     report.Failed,
		Err:        runErr,
	})
}

func (r *Runner) skip(report *RunReport, stage, reason string) *RunReport {
	report.Skipped = true
	report.SkipReason = reason
	report.SkipStage = stage
	report.FinishedAt = r.now()
	return report
}

func (r *Runner) fail(report *RunReport, err error) (*RunReport, error) {
	report.FinishedAt = r.now()
	r.logger.Error("broadcast run aborted",
		slog.String("run_id", report.RunID),
		slog.String("stage", types.StageOf(err)),
		slog.Any("error", err),
	)
	return report, err
}

func lockKey(slot int64) string {
	return fmt.Sprintf("broadcast:%d", slot)
}

// asStoreUnavailable keeps store_unavailable errors as they are and wraps
// anything else so callers can match ErrStoreUnavailable.
func asStoreUnavailable(err error) error {
	if types.CodeOf(err) == types.ErrCodeStoreUnavailable {
		return err
	}
	return types.NewAppError(types.ErrCodeStoreUnavailable, "failed to load subscribers", err)
}
