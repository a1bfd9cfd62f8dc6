package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// EventRepo appends to the delivery event log. Rows are immutable; the
// sparse unique index on provider_event_id makes webhook redelivery a
// silent no-op.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// Append inserts one event. Returns false when a duplicate
// provider_event_id suppressed the insert. The conflict target carries the
// index predicate because the unique index is partial; without it Postgres
// cannot match the arbiter and rejects every insert.
func (r *EventRepo) Append(ctx context.Context, e *domain.Event) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EventDate.IsZero() {
		e.EventDate = time.Now().UTC()
	}

	var metadata interface{}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return false, fmt.Errorf("encoding event metadata: %w", err)
		}
		metadata = raw
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_events
			(id, campaign_id, customer_id, email, event_type, source,
			 provider_event_id, provider_message_id, event_date, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider_event_id) WHERE provider_event_id IS NOT NULL DO NOTHING
	`, e.ID, e.CampaignID, e.CustomerID, e.Email, e.Type, e.Source,
		e.ProviderEventID, e.ProviderMessageID, e.EventDate, metadata)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DistinctSentRecipients counts distinct emails with a sent event, used to
// reconcile the sent counter against the event log.
func (r *EventRepo) DistinctSentRecipients(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT email) FROM dispatch_events
		WHERE campaign_id = $1 AND event_type = 'sent'
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent recipients: %w", err)
	}
	return n, nil
}

// LinkClick is one aggregated clicked-link row.
type LinkClick struct {
	URL    string `json:"url"`
	Clicks int    `json:"clicks"`
}

// TopLinks aggregates clicked events by the link URL recorded in metadata.
func (r *EventRepo) TopLinks(ctx context.Context, campaignID string, limit int) ([]LinkClick, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT metadata->>'url', COUNT(*)
		FROM dispatch_events
		WHERE campaign_id = $1 AND event_type = 'clicked' AND metadata->>'url' IS NOT NULL
		GROUP BY metadata->>'url'
		ORDER BY COUNT(*) DESC
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("top links: %w", err)
	}
	defer rows.Close()

	var out []LinkClick
	for rows.Next() {
		var lc LinkClick
		if err := rows.Scan(&lc.URL, &lc.Clicks); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// TimelineBucket is one hour of event activity.
type TimelineBucket struct {
	Hour   time.Time `json:"hour"`
	Type   string    `json:"type"`
	Events int       `json:"events"`
}

// Timeline returns hourly event counts by type for a campaign.
func (r *EventRepo) Timeline(ctx context.Context, campaignID string) ([]TimelineBucket, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date_trunc('hour', event_date), event_type, COUNT(*)
		FROM dispatch_events
		WHERE campaign_id = $1
		GROUP BY 1, 2
		ORDER BY 1, 2
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("event timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Hour, &b.Type, &b.Events); err != nil {
			return nil, fmt.Errorf("scan timeline bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
