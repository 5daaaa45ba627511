package types

import (
	"context"
	"time"
)

// SubscriberSource loads the active subscriber set for a run.
// Implementations return an error matching ErrStoreUnavailable when the
// backing store cannot be read.
type SubscriberSource interface {
	ListActiveSubscribers(ctx context.Context) (SubscriberSnapshot, error)
}

// ContentSource loads the phrase collection for a run.
type ContentSource interface {
	LoadContent(ctx context.Context) ([]ContentItem, error)
}

// MailTransport delivers a single message and returns the provider message ID.
//
// Throttling MUST be reported with NewRateLimitedError (code
// upstream_rate_limited). Rejected credentials MUST be reported with code
// upstream_auth_rejected. Any other error is treated as a per-recipient failure.
type MailTransport interface {
	Send(ctx context.Context, input MailInput) (string, error)
}

// DeliveryHistory tracks which content each subscriber has already received.
type DeliveryHistory interface {
	// SentContentIDs returns the IDs already delivered to subscriberKey in the
	// current cycle, each mapped to the slot it was last delivered in.
	SentContentIDs(ctx context.Context, subscriberKey string) (map[string]int64, error)

	// RecordSent marks contentID as delivered to subscriberKey.
	RecordSent(ctx context.Context, subscriberKey, contentID string, slot int64) error

	// ResetCycle forgets the delivery history for subscriberKey.
	ResetCycle(ctx context.Context, subscriberKey string) error
}

// RunLock guards against overlapping runs for the same slot.
type RunLock interface {
	// Acquire returns false without error when another holder owns the lock.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// RunHistory persists run start and completion.
type RunHistory interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, itemsProcessed int, runErr error) error
}

// MetricsPublisher emits per-run counters.
type MetricsPublisher interface {
	PublishRun(ctx context.Context, rec RunRecord) error
}
