package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// CampaignRepo persists campaign metadata and aggregate counters. Counters
// move only through atomic increments; status changes are guarded on the
// current status so concurrent transitions cannot race.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, list_id, segment_id, name, subject, from_name, from_email,
		       COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(preview_text,''),
		       status, scheduled_at, total_recipients, sent_count, delivered_count,
		       failed_count, bounce_count, open_count, click_count,
		       complaint_count, unsubscribe_count, COALESCE(stats_error,''),
		       started_at, sent_at, created_at, updated_at
		FROM dispatch_campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.ListID, &c.SegmentID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.PreviewText,
		&c.Status, &c.ScheduledAt, &c.Stats.TotalRecipients, &c.Stats.Sent, &c.Stats.Delivered,
		&c.Stats.Failed, &c.Stats.Bounced, &c.Stats.Opened, &c.Stats.Clicked,
		&c.Stats.Complained, &c.Stats.Unsubscribed, &c.Stats.Error,
		&c.StartedAt, &c.SentAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// Status fetches only the current lifecycle status; the dispatcher polls
// this per batch to observe pauses.
func (r *CampaignRepo) Status(ctx context.Context, id string) (domain.CampaignStatus, error) {
	var s domain.CampaignStatus
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM dispatch_campaigns WHERE id = $1`, id,
	).Scan(&s)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("campaign status: %w", err)
	}
	return s, nil
}

// MarkSending transitions draft/scheduled -> sending and stamps started_at.
// stats_error is NOT NULL with an empty default, so clearing a previous
// failure means resetting it to ''. Returns ErrInvalidTransition when the
// campaign is in any other state.
func (r *CampaignRepo) MarkSending(ctx context.Context, id string) error {
	return r.guarded(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'sending', started_at = NOW(), stats_error = '', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft','scheduled')
	`, id)
}

// RevertToDraft undoes a failed materialization, recording the reason in
// stats_error so operators can see why nothing went out.
func (r *CampaignRepo) RevertToDraft(ctx context.Context, id, reason string) error {
	return r.guarded(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'draft', stats_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, reason)
}

// Finalize transitions sending -> sent. sent_at is only stamped once, so a
// repeated completion check is a no-op on the timestamp.
func (r *CampaignRepo) Finalize(ctx context.Context, id string) error {
	return r.guarded(ctx, `
		UPDATE dispatch_campaigns
		SET status = 'sent', sent_at = COALESCE(sent_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
}

// Pause transitions sending -> paused.
func (r *CampaignRepo) Pause(ctx context.Context, id string) error {
	return r.guarded(ctx, `
		UPDATE dispatch_campaigns SET status = 'paused', updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
}

// Resume transitions paused -> sending.
func (r *CampaignRepo) Resume(ctx context.Context, id string) error {
	return r.guarded(ctx, `
		UPDATE dispatch_campaigns SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status = 'paused'
	`, id)
}

func (r *CampaignRepo) guarded(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("campaign transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetTotalRecipients records the materialized recipient count.
func (r *CampaignRepo) SetTotalRecipients(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_campaigns SET total_recipients = $2, updated_at = NOW()
		WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("set total recipients: %w", err)
	}
	return nil
}

// statColumns whitelists the counter columns reachable through
// IncrementStat. Anything else is a programming error.
var statColumns = map[string]bool{
	"sent_count":        true,
	"delivered_count":   true,
	"failed_count":      true,
	"bounce_count":      true,
	"open_count":        true,
	"click_count":       true,
	"complaint_count":   true,
	"unsubscribe_count": true,
}

// IncrementStat atomically bumps one counter column.
func (r *CampaignRepo) IncrementStat(ctx context.Context, id, column string, delta int) error {
	if !statColumns[column] {
		return fmt.Errorf("unknown stat column %q", column)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dispatch_campaigns SET %s = %s + $2, updated_at = NOW()
		WHERE id = $1
	`, column, column), id, delta)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// SendingIDs lists campaigns currently in the sending state, for the
// periodic completion sweep and the health endpoint.
func (r *CampaignRepo) SendingIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM dispatch_campaigns WHERE status = 'sending' ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sending campaigns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
