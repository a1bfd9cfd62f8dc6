package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// WorkRecordRepo persists per-recipient send state. The fingerprint is the
// primary key; every state transition out of `sending` is gated on the
// locked_by column so only the claiming worker (or the recovery sweep) can
// move a record.
type WorkRecordRepo struct{ db *sql.DB }

// NewWorkRecordRepo creates a Postgres-backed work record repository.
func NewWorkRecordRepo(db *sql.DB) *WorkRecordRepo { return &WorkRecordRepo{db: db} }

// PendingRecord is the tuple the materializer upserts per recipient.
type PendingRecord struct {
	Fingerprint string
	Email       string
	CustomerID  *string
}

// UpsertPending inserts pending records in one multi-row statement.
// Conflicts on fingerprint are ignored, so re-materializing a campaign
// never resets records that already progressed. Returns the number of
// rows actually inserted.
func (r *WorkRecordRepo) UpsertPending(ctx context.Context, campaignID string, recs []PendingRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO dispatch_work_records (fingerprint, campaign_id, email, customer_id, status, created_at)
		VALUES `)
	args := make([]interface{}, 0, len(recs)*3+1)
	args = append(args, campaignID)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		sb.WriteString(fmt.Sprintf("($%d, $1, $%d, $%d, 'pending', NOW())", n+1, n+2, n+3))
		args = append(args, rec.Fingerprint, rec.Email, rec.CustomerID)
	}
	sb.WriteString(" ON CONFLICT (fingerprint) DO NOTHING")

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("upsert work records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimForProcessing atomically moves a record to `sending` under the
// worker's lock. Claimable records are pending or failed with no lock, or
// a lock older than lockTTLSeconds; failed stays claimable so a campaign
// redrive can retry exhausted recipients. Returns (nil, nil) when the
// record is held elsewhere or terminal; callers then consult Get for the
// idempotent no-op path.
func (r *WorkRecordRepo) ClaimForProcessing(ctx context.Context, fingerprint, workerID string, lockTTLSeconds int) (*domain.WorkRecord, error) {
	w := &domain.WorkRecord{Fingerprint: fingerprint, Status: domain.WorkSending, LockedBy: &workerID}
	err := r.db.QueryRowContext(ctx, `
		UPDATE dispatch_work_records
		SET status = 'sending', locked_by = $1, locked_at = NOW()
		WHERE fingerprint = $2
		  AND status IN ('pending','failed')
		  AND (locked_at IS NULL OR locked_at < NOW() - make_interval(secs => $3))
		RETURNING campaign_id, email, customer_id, attempts
	`, workerID, fingerprint, lockTTLSeconds).Scan(&w.CampaignID, &w.Email, &w.CustomerID, &w.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim work record: %w", err)
	}
	return w, nil
}

// Get fetches a record by fingerprint.
func (r *WorkRecordRepo) Get(ctx context.Context, fingerprint string) (*domain.WorkRecord, error) {
	w := &domain.WorkRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, campaign_id, email, customer_id, status, attempts,
		       locked_by, locked_at, external_message_id, last_error, skip_reason, created_at
		FROM dispatch_work_records
		WHERE fingerprint = $1
	`, fingerprint).Scan(
		&w.Fingerprint, &w.CampaignID, &w.Email, &w.CustomerID, &w.Status, &w.Attempts,
		&w.LockedBy, &w.LockedAt, &w.MessageID, &w.LastError, &w.SkipReason, &w.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work record: %w", err)
	}
	return w, nil
}

// MarkSent finalizes a successful dispatch. The transition only applies
// when the caller still holds the lock.
func (r *WorkRecordRepo) MarkSent(ctx context.Context, fingerprint, workerID, providerMessageID string) error {
	return r.transition(ctx, `
		UPDATE dispatch_work_records
		SET status = 'sent', external_message_id = $3, locked_by = NULL, locked_at = NULL
		WHERE fingerprint = $1 AND locked_by = $2 AND status = 'sending'
	`, fingerprint, workerID, providerMessageID)
}

// MarkFailed records a permanent failure under the caller's lock.
func (r *WorkRecordRepo) MarkFailed(ctx context.Context, fingerprint, workerID, lastError string) error {
	return r.transition(ctx, `
		UPDATE dispatch_work_records
		SET status = 'failed', last_error = $3, locked_by = NULL, locked_at = NULL
		WHERE fingerprint = $1 AND locked_by = $2 AND status = 'sending'
	`, fingerprint, workerID, lastError)
}

// Release puts a claimed record back to pending for a later attempt,
// bumping the attempt counter.
func (r *WorkRecordRepo) Release(ctx context.Context, fingerprint, workerID, lastError string) error {
	return r.transition(ctx, `
		UPDATE dispatch_work_records
		SET status = 'pending', attempts = attempts + 1, last_error = $3,
		    locked_by = NULL, locked_at = NULL
		WHERE fingerprint = $1 AND locked_by = $2 AND status = 'sending'
	`, fingerprint, workerID, lastError)
}

// MarkSkipped moves a pending record to skipped with a machine-readable
// reason (late suppression check). No lock is required since skipped
// records were never claimed.
func (r *WorkRecordRepo) MarkSkipped(ctx context.Context, fingerprint, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_work_records
		SET status = 'skipped', skip_reason = $2, skipped_at = NOW()
		WHERE fingerprint = $1 AND status = 'pending'
	`, fingerprint, reason)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	return nil
}

func (r *WorkRecordRepo) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("work record transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// RecoverExpiredLocks resets `sending` records whose lock aged past the TTL
// back to pending, failing those that already burned maxAttempts. Returns
// (recovered, exhausted).
func (r *WorkRecordRepo) RecoverExpiredLocks(ctx context.Context, lockTTLSeconds, maxAttempts int) (int, int, error) {
	resExhausted, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_work_records
		SET status = 'failed', last_error = 'max attempts exhausted after lock expiry',
		    locked_by = NULL, locked_at = NULL
		WHERE status = 'sending'
		  AND locked_at < NOW() - make_interval(secs => $1)
		  AND attempts >= $2
	`, lockTTLSeconds, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("fail exhausted records: %w", err)
	}
	exhausted, _ := resExhausted.RowsAffected()

	resRecovered, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_work_records
		SET status = 'pending', attempts = attempts + 1,
		    locked_by = NULL, locked_at = NULL
		WHERE status = 'sending'
		  AND locked_at < NOW() - make_interval(secs => $1)
	`, lockTTLSeconds)
	if err != nil {
		return 0, int(exhausted), fmt.Errorf("recover expired locks: %w", err)
	}
	recovered, _ := resRecovered.RowsAffected()
	return int(recovered), int(exhausted), nil
}

// CountsByCampaign aggregates a campaign's records by status.
func (r *WorkRecordRepo) CountsByCampaign(ctx context.Context, campaignID string) (domain.WorkRecordCounts, error) {
	var c domain.WorkRecordCounts
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM dispatch_work_records
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return c, fmt.Errorf("count work records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.WorkRecordStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case domain.WorkPending:
			c.Pending = n
		case domain.WorkSending:
			c.Sending = n
		case domain.WorkSent:
			c.Sent = n
		case domain.WorkDelivered:
			c.Delivered = n
		case domain.WorkFailed:
			c.Failed = n
		case domain.WorkBounced:
			c.Bounced = n
		case domain.WorkSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// StuckCount returns how many records across all campaigns hold a lock
// older than the TTL. Health reporting only.
func (r *WorkRecordRepo) StuckCount(ctx context.Context, lockTTLSeconds int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_work_records
		WHERE status = 'sending' AND locked_at < NOW() - make_interval(secs => $1)
	`, lockTTLSeconds).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck records: %w", err)
	}
	return n, nil
}
