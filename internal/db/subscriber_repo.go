package db

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"phrasecast/internal/external"
	"phrasecast/internal/schedule"
	"phrasecast/internal/types"
)

// SubscriberRepository reads the active subscriber set from the
// subscriptions, users, and subscription_plans tables.
type SubscriberRepository struct {
	db       DBTX
	plans    *schedule.PlanTable
	validate *validator.Validate
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSubscriberRepository creates a SubscriberRepository. Records whose plan
// code is not in plans are dropped. timeout bounds the whole read.
func NewSubscriberRepository(db DBTX, plans *schedule.PlanTable, timeout time.Duration, logger *slog.Logger) *SubscriberRepository {
	if plans == nil {
		plans = schedule.DefaultPlanTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriberRepository{
		db:       db,
		plans:    plans,
		validate: validator.New(),
		timeout:  timeout,
		logger:   logger,
	}
}

// ListActiveSubscribers returns one entry per distinct email with an active
// subscription, oldest subscription first. Rows with a missing or malformed
// email or an unknown plan code are skipped and counted in Dropped. Any query
// failure or timeout is reported as types.ErrStoreUnavailable.
func (r *SubscriberRepository) ListActiveSubscribers(ctx context.Context) (types.SubscriberSnapshot, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx,
		`SELECT s.user_id::text, u.email, s.plan_id
		 FROM subscriptions s
		 JOIN users u ON u.id = s.user_id
		 JOIN subscription_plans p ON p.id = s.plan_id
		 WHERE s.status = 'active'
		 ORDER BY s.created_at, s.user_id`,
	)
	if err != nil {
		return types.SubscriberSnapshot{}, storeUnavailable("failed to query active subscribers", err)
	}
	defer rows.Close()

	var snap types.SubscriberSnapshot
	seen := make(map[string]bool)
	for rows.Next() {
		var (
			id     string
			email  *string
			planID int
		)
		if err := rows.Scan(&id, &email, &planID); err != nil {
			return types.SubscriberSnapshot{}, storeUnavailable("failed to scan subscriber row", err)
		}

		sub, reason := r.admit(id, email, planID, seen)
		if reason != "" {
			snap.Dropped++
			r.logger.WarnContext(ctx, "dropping subscriber record",
				"subscriber_id", id,
				"reason", reason,
			)
			continue
		}
		snap.Subscribers = append(snap.Subscribers, sub)
	}
	if err := rows.Err(); err != nil {
		return types.SubscriberSnapshot{}, storeUnavailable("failed to read subscriber rows", err)
	}
	return snap, nil
}

// admit validates one row. It returns a non-empty reason when the row must
// be dropped.
func (r *SubscriberRepository) admit(id string, email *string, planID int, seen map[string]bool) (types.Subscriber, string) {
	if email == nil || strings.TrimSpace(*email) == "" {
		return types.Subscriber{}, "missing email"
	}
	addr := strings.TrimSpace(*email)
	if err := r.validate.Var(addr, "email"); err != nil {
		return types.Subscriber{}, "invalid email " + external.RedactEmail(addr)
	}
	code := types.FrequencyCode(planID)
	if !r.plans.Known(code) {
		return types.Subscriber{}, "unknown plan code"
	}
	key := strings.ToLower(addr)
	if seen[key] {
		return types.Subscriber{}, "duplicate email " + external.RedactEmail(addr)
	}
	seen[key] = true
	return types.Subscriber{ID: id, Email: addr, Frequency: code}, ""
}

func storeUnavailable(msg string, err error) error {
	return types.NewAppError(types.ErrCodeStoreUnavailable, msg, err)
}

var _ types.SubscriberSource = (*SubscriberRepository)(nil)
