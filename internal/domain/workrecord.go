package domain

import "time"

// WorkRecordStatus enumerates the lifecycle of a per-recipient send record.
type WorkRecordStatus string

const (
	WorkPending   WorkRecordStatus = "pending"
	WorkSending   WorkRecordStatus = "sending"
	WorkSent      WorkRecordStatus = "sent"
	WorkDelivered WorkRecordStatus = "delivered"
	WorkFailed    WorkRecordStatus = "failed"
	WorkBounced   WorkRecordStatus = "bounced"
	WorkSkipped   WorkRecordStatus = "skipped"
)

// IsTerminal returns true for states a record never leaves on the dispatch
// path. Delivered/bounced are written by the webhook ingestion path.
func (s WorkRecordStatus) IsTerminal() bool {
	switch s {
	case WorkSent, WorkDelivered, WorkFailed, WorkBounced, WorkSkipped:
		return true
	}
	return false
}

// WorkRecord is the durable per-recipient send state row: the unit of
// idempotency for the whole pipeline. Fingerprint is the primary key and
// doubles as the per-recipient queue identity.
//
// A record in `sending` always has LockedBy and LockedAt set; it may only be
// transitioned out of `sending` by the worker holding the lock (CAS on
// locked_by) or by the expired-lock recovery sweep.
type WorkRecord struct {
	Fingerprint string           `json:"fingerprint" db:"fingerprint"`
	CampaignID  string           `json:"campaign_id" db:"campaign_id"`
	Email       string           `json:"email" db:"email"` // normalized
	CustomerID  *string          `json:"customer_id" db:"customer_id"`
	Status      WorkRecordStatus `json:"status" db:"status"`
	Attempts    int              `json:"attempts" db:"attempts"`
	LockedBy    *string          `json:"locked_by" db:"locked_by"`
	LockedAt    *time.Time       `json:"locked_at" db:"locked_at"`
	MessageID   *string          `json:"external_message_id" db:"external_message_id"`
	LastError   *string          `json:"last_error" db:"last_error"`
	SkipReason  *string          `json:"skip_reason" db:"skip_reason"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	SkippedAt   *time.Time       `json:"skipped_at" db:"skipped_at"`
}

// WorkRecordCounts aggregates a campaign's records by status.
type WorkRecordCounts struct {
	Pending   int `json:"pending"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Bounced   int `json:"bounced"`
	Skipped   int `json:"skipped"`
}

// Processed returns the number of records in a terminal state.
func (c WorkRecordCounts) Processed() int {
	return c.Sent + c.Delivered + c.Failed + c.Bounced + c.Skipped
}

// Total returns the total number of records across all states.
func (c WorkRecordCounts) Total() int {
	return c.Processed() + c.Pending + c.Sending
}
