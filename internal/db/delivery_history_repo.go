package db

import (
	"context"
	"time"

	"phrasecast/internal/types"
)

// DefaultHistoryRetention is how many deliveries per subscriber are kept.
const DefaultHistoryRetention = 50

// DeliveryHistoryRepository records which phrases each subscriber has
// received, keyed by (subscriber_key, content_id).
type DeliveryHistoryRepository struct {
	db      DBTX
	timeout time.Duration
	retain  int
}

// NewDeliveryHistoryRepository creates a DeliveryHistoryRepository. timeout
// bounds each call. retain caps the rows kept per subscriber, oldest first
// out; zero or less keeps everything.
func NewDeliveryHistoryRepository(db DBTX, timeout time.Duration, retain int) *DeliveryHistoryRepository {
	return &DeliveryHistoryRepository{db: db, timeout: timeout, retain: retain}
}

// SentContentIDs returns the content IDs delivered to subscriberKey since
// its last cycle reset, each with the slot of its latest delivery. The map
// is empty, never nil, when nothing was sent.
func (r *DeliveryHistoryRepository) SentContentIDs(ctx context.Context, subscriberKey string) (map[string]int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx,
		`SELECT content_id, slot FROM delivery_history WHERE subscriber_key = $1`,
		subscriberKey,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query delivery history", err)
	}
	defer rows.Close()

	sent := make(map[string]int64)
	for rows.Next() {
		var (
			id   string
			slot int64
		)
		if err := rows.Scan(&id, &slot); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery history", err)
		}
		sent[id] = slot
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read delivery history", err)
	}
	return sent, nil
}

// RecordSent upserts the delivery, refreshing slot and sent_at on repeat,
// then trims the subscriber's history to the retention bound.
func (r *DeliveryHistoryRepository) RecordSent(ctx context.Context, subscriberKey, contentID string, slot int64) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_history (subscriber_key, content_id, slot, sent_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (subscriber_key, content_id) DO UPDATE
		   SET slot = EXCLUDED.slot, sent_at = EXCLUDED.sent_at`,
		subscriberKey,
		contentID,
		slot,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery", err)
	}
	if r.retain <= 0 {
		return nil
	}

	_, err = r.db.Exec(ctx,
		`DELETE FROM delivery_history
		 WHERE subscriber_key = $1
		   AND content_id NOT IN (
		     SELECT content_id FROM delivery_history
		     WHERE subscriber_key = $1
		     ORDER BY slot DESC, sent_at DESC
		     LIMIT $2)`,
		subscriberKey,
		r.retain,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to trim delivery history", err)
	}
	return nil
}

// ResetCycle deletes the subscriber's history so every phrase is unsent again.
func (r *DeliveryHistoryRepository) ResetCycle(ctx context.Context, subscriberKey string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.Exec(ctx,
		`DELETE FROM delivery_history WHERE subscriber_key = $1`,
		subscriberKey,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset delivery cycle", err)
	}
	return nil
}

var _ types.DeliveryHistory = (*DeliveryHistoryRepository)(nil)
