package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/fingerprint"
)

// SuppressionRepo reads the deliverability view of the customer store.
// Lookups always run against the normalized email.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

// Lookup returns the suppression state for an email. Unknown addresses are
// active: the materializer already scoped the recipient set, so absence
// from the customer store is not a reason to skip.
func (r *SuppressionRepo) Lookup(ctx context.Context, email string) (domain.Suppression, error) {
	normalized := fingerprint.NormalizeEmail(email)
	s := domain.Suppression{Email: normalized, Status: domain.EmailActive}

	var bounceType sql.NullString
	var lastMessage sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT email_status, is_bounced, bounce_type, bounce_count, last_bounce_message
		FROM customers
		WHERE email_normalized = $1
	`, normalized).Scan(&s.Status, &s.IsBounced, &bounceType, &s.BounceCount, &lastMessage)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("suppression lookup: %w", err)
	}
	s.BounceType = domain.BounceType(bounceType.String)
	s.LastMessage = lastMessage.String
	return s, nil
}
