package broadcast

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"

	"phrasecast/internal/types"
)

// StaticSubscriberSource serves a fixed recipient list on a single plan.
// It backs test mode, where production subscriber data is never read.
type StaticSubscriberSource struct {
	emails []string
	plan   types.FrequencyCode
}

// NewStaticSubscriberSource creates a source for emails on plan.
func NewStaticSubscriberSource(emails []string, plan types.FrequencyCode) *StaticSubscriberSource {
	return &StaticSubscriberSource{emails: emails, plan: plan}
}

// ListActiveSubscribers returns the valid, distinct addresses in input
// order. The address doubles as the subscriber ID.
func (s *StaticSubscriberSource) ListActiveSubscribers(context.Context) (types.SubscriberSnapshot, error) {
	validate := validator.New()
	seen := make(map[string]bool, len(s.emails))

	var snap types.SubscriberSnapshot
	for _, raw := range s.emails {
		email := strings.TrimSpace(raw)
		key := strings.ToLower(email)
		if email == "" || validate.Var(email, "email") != nil || seen[key] {
			snap.Dropped++
			continue
		}
		seen[key] = true
		snap.Subscribers = append(snap.Subscribers, types.Subscriber{
			ID:        email,
			Email:     email,
			Frequency: s.plan,
		})
	}
	return snap, nil
}

var _ types.SubscriberSource = (*StaticSubscriberSource)(nil)
