package schedule

import "phrasecast/internal/types"

// FilterEligible returns the subscribers due at the clock's instant, in
// input order.
func FilterEligible(subscribers []types.Subscriber, clock *Clock) []types.Subscriber {
	eligible := make([]types.Subscriber, 0, len(subscribers))
	for _, s := range subscribers {
		if clock.ShouldSendNow(s.Frequency) {
			eligible = append(eligible, s)
		}
	}
	return eligible
}
