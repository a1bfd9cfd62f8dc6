package domain

import "time"

// EventType discriminates the kinds of delivery events in the append-only log.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
	EventFailed       EventType = "failed"
	EventDelayed      EventType = "delayed"
	EventPurchased    EventType = "purchased"
)

// Event is one row of the append-only delivery event log. Rows are never
// mutated. ProviderEventID is a sparse unique key so webhook redeliveries
// dedupe on insert.
type Event struct {
	ID                string                 `json:"id" db:"id"`
	CampaignID        string                 `json:"campaign_id" db:"campaign_id"`
	CustomerID        *string                `json:"customer_id" db:"customer_id"`
	Email             string                 `json:"email" db:"email"`
	Type              EventType              `json:"event_type" db:"event_type"`
	Source            string                 `json:"source" db:"source"`
	ProviderEventID   *string                `json:"provider_event_id" db:"provider_event_id"`
	ProviderMessageID *string                `json:"provider_message_id" db:"provider_message_id"`
	EventDate         time.Time              `json:"event_date" db:"event_date"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// Event sources. Dispatch writes "dispatch"; the webhook receiver writes
// "webhook"; tracking endpoints write "tracking".
const (
	EventSourceDispatch = "dispatch"
	EventSourceWebhook  = "webhook"
	EventSourceTracking = "tracking"
)
