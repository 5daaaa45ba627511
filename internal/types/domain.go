package types

import (
	"strings"
	"time"
)

// FrequencyCode identifies a subscription plan's delivery schedule.
// Codes are stable integers shared with the subscription_plans table.
type FrequencyCode int

const (
	FrequencyFree      FrequencyCode = 0
	FrequencyDaily1    FrequencyCode = 1
	FrequencyDaily2    FrequencyCode = 2
	FrequencyDaily3    FrequencyCode = 3
	FrequencyDaily4    FrequencyCode = 4
	FrequencyPowerUser FrequencyCode = 13
)

// ContentItem is a single broadcastable phrase. Items are loaded read-only
// at the start of a run.
type ContentItem struct {
	ID     string `json:"id" yaml:"id"`
	Text   string `json:"text" yaml:"text"`
	Author string `json:"author" yaml:"author"`
}

// Validate checks that the item carries non-blank text and author.
func (c ContentItem) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return NewAppError(ErrCodeValidationMissingField, "content item text is empty", nil).
			WithDetails(map[string]any{"id": c.ID})
	}
	if strings.TrimSpace(c.Author) == "" {
		return NewAppError(ErrCodeValidationMissingField, "content item author is empty", nil).
			WithDetails(map[string]any{"id": c.ID})
	}
	return nil
}

// Subscriber is an active recipient as seen by a single run.
type Subscriber struct {
	ID        string
	Email     string
	Frequency FrequencyCode
}

// SubscriberSnapshot is the validated subscriber set for one run.
// Dropped counts records rejected during validation.
type SubscriberSnapshot struct {
	Subscribers []Subscriber
	Dropped     int
}

// OutboundMessage is a fully personalized email ready for dispatch.
type OutboundMessage struct {
	Recipient      string
	SubscriberID   string
	Subject        string
	HTMLBody       string
	TextBody       string
	IdempotencyKey string
	ContentID      string
	Slot           int64
}

// SenderIdentity is the From identity applied to every outbound message.
type SenderIdentity struct {
	Address string
	Name    string
}

// MailInput is what a mail transport needs to deliver one message.
type MailInput struct {
	From           SenderIdentity
	To             string
	Subject        string
	HTML           string
	Text           string
	IdempotencyKey string
}

// RunRecord is a persisted summary of a finished broadcast run.
type RunRecord struct {
	RunID      string
	Slot       int64
	StartedAt  time.Time
	FinishedAt time.Time
	Sent       int
	Failed     int
	Err        error
}
