package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPaused    CampaignStatus = "paused"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign represents an email campaign with its immutable content and
// aggregate delivery statistics.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	ListID      *string        `json:"list_id" db:"list_id"`
	SegmentID   *string        `json:"segment_id" db:"segment_id"`
	Name        string         `json:"name" db:"name"`
	Subject     string         `json:"subject" db:"subject"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	ReplyTo     string         `json:"reply_to" db:"reply_to"`
	HTMLContent string         `json:"html_content" db:"html_content"`
	PreviewText string         `json:"preview_text" db:"preview_text"`
	Status      CampaignStatus `json:"status" db:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at" db:"scheduled_at"`

	Stats CampaignStats `json:"stats"`

	StartedAt *time.Time `json:"started_at" db:"started_at"`
	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// CampaignStats holds the authoritative counters for a campaign.
// Counters are updated via atomic increments; rates are always derived
// on read and never persisted.
type CampaignStats struct {
	TotalRecipients int    `json:"total_recipients" db:"total_recipients"`
	Sent            int    `json:"sent" db:"sent_count"`
	Delivered       int    `json:"delivered" db:"delivered_count"`
	Failed          int    `json:"failed" db:"failed_count"`
	Bounced         int    `json:"bounced" db:"bounce_count"`
	Opened          int    `json:"opened" db:"open_count"`
	Clicked         int    `json:"clicked" db:"click_count"`
	Complained      int    `json:"complained" db:"complaint_count"`
	Unsubscribed    int    `json:"unsubscribed" db:"unsubscribe_count"`
	Error           string `json:"error,omitempty" db:"stats_error"`
}

// CampaignRates holds the derived percentage metrics. Open and click rates
// use delivered as the denominator; bounce and unsubscribe rates use sent.
type CampaignRates struct {
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	ClickToOpenRate float64 `json:"click_to_open_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// Rates derives the percentage metrics from the current counters.
// Each rate is 0 when its denominator is 0.
func (s CampaignStats) Rates() CampaignRates {
	return CampaignRates{
		DeliveryRate:    ratio(s.Delivered, s.Sent),
		OpenRate:        ratio(s.Opened, s.Delivered),
		ClickRate:       ratio(s.Clicked, s.Delivered),
		ClickToOpenRate: ratio(s.Clicked, s.Opened),
		BounceRate:      ratio(s.Bounced, s.Sent),
		UnsubscribeRate: ratio(s.Unsubscribed, s.Sent),
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed
}

// Sendable returns true if a send may be started for this campaign.
func (c *Campaign) Sendable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}
