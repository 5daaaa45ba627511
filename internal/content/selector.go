// Package content selects which phrase a recipient receives for a slot.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"

	"phrasecast/internal/types"
)

// SelectForSlot deterministically picks an item for slot. The same slot and
// collection size always yield the same index:
// sha256("{slot}:{n}"), first 8 bytes big-endian, modulo n.
func SelectForSlot(slot int64, items []types.ContentItem) (types.ContentItem, int, error) {
	if len(items) == 0 {
		return types.ContentItem{}, 0, types.ErrEmptyContent
	}
	idx := hashIndex(fmt.Sprintf("%d:%d", slot, len(items)), len(items))
	return items[idx], idx, nil
}

func hashIndex(seed string, n int) int {
	sum := sha256.Sum256([]byte(seed))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

// Selector chooses the item a given subscriber receives for a slot.
// The strategy is chosen once at configuration time.
type Selector interface {
	// Select returns the item for subscriberKey. items is non-empty.
	Select(ctx context.Context, slot int64, subscriberKey string, items []types.ContentItem) (types.ContentItem, error)

	// Delivered is called after a successful send of item to subscriberKey.
	Delivered(ctx context.Context, subscriberKey string, item types.ContentItem, slot int64)
}

// Strategy names accepted by NewSelector.
const (
	StrategyHash           = "hash"
	StrategyAntiRepetition = "anti_repetition"
)

// NewSelector builds the selector for strategy. history is required for the
// anti-repetition strategy and ignored otherwise.
func NewSelector(strategy string, history types.DeliveryHistory, logger *slog.Logger) (Selector, error) {
	switch strategy {
	case "", StrategyHash:
		return HashSelector{}, nil
	case StrategyAntiRepetition:
		if history == nil {
			return nil, fmt.Errorf("content strategy %q requires a delivery history store", strategy)
		}
		return NewAntiRepetitionSelector(history, logger), nil
	default:
		return nil, fmt.Errorf("unknown content strategy %q", strategy)
	}
}

// HashSelector gives every recipient the slot item.
type HashSelector struct{}

func (HashSelector) Select(_ context.Context, slot int64, _ string, items []types.ContentItem) (types.ContentItem, error) {
	item, _, err := SelectForSlot(slot, items)
	return item, err
}

func (HashSelector) Delivered(context.Context, string, types.ContentItem, int64) {}

// AntiRepetitionSelector avoids resending an item to the same subscriber
// until the whole collection has been delivered to them, then starts a new
// cycle. An item already delivered in the requested slot is selected again,
// so a re-run of the slot reproduces its messages. History errors degrade to
// the slot item; they never abort a run.
type AntiRepetitionSelector struct {
	history types.DeliveryHistory
	logger  *slog.Logger
}

// NewAntiRepetitionSelector creates a selector backed by history.
func NewAntiRepetitionSelector(history types.DeliveryHistory, logger *slog.Logger) *AntiRepetitionSelector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AntiRepetitionSelector{history: history, logger: logger}
}

func (s *AntiRepetitionSelector) Select(ctx context.Context, slot int64, subscriberKey string, items []types.ContentItem) (types.ContentItem, error) {
	slotItem, _, err := SelectForSlot(slot, items)
	if err != nil {
		return types.ContentItem{}, err
	}

	sent, err := s.history.SentContentIDs(ctx, subscriberKey)
	if err != nil {
		s.logger.Warn("delivery history unavailable, using slot item",
			"subscriber_id", subscriberKey,
			"error", err,
		)
		return slotItem, nil
	}

	for _, it := range items {
		if deliveredIn, ok := sent[it.ID]; ok && deliveredIn == slot {
			return it, nil
		}
	}

	candidates := unsent(items, sent)
	if len(candidates) == 0 {
		if err := s.history.ResetCycle(ctx, subscriberKey); err != nil {
			s.logger.Warn("failed to reset delivery cycle",
				"subscriber_id", subscriberKey,
				"error", err,
			)
		}
		candidates = items
	}

	idx := hashIndex(fmt.Sprintf("%d:%s:%d", slot, subscriberKey, len(candidates)), len(candidates))
	return candidates[idx], nil
}

func (s *AntiRepetitionSelector) Delivered(ctx context.Context, subscriberKey string, item types.ContentItem, slot int64) {
	if err := s.history.RecordSent(ctx, subscriberKey, item.ID, slot); err != nil {
		s.logger.Warn("failed to record delivery",
			"subscriber_id", subscriberKey,
			"content_id", item.ID,
			"error", err,
		)
	}
}

func unsent(items []types.ContentItem, sent map[string]int64) []types.ContentItem {
	if len(sent) == 0 {
		return items
	}
	out := slices.DeleteFunc(slices.Clone(items), func(it types.ContentItem) bool {
		_, ok := sent[it.ID]
		return ok
	})
	return out
}
