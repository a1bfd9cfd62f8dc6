package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// RecipientRepo streams campaign recipients out of the external customer
// store. Streaming uses keyset pagination on the customer id, so memory
// stays flat no matter how large the audience is.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient repository.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// Count returns the audience size for a campaign target before streaming,
// so the materializer can pick its batch parameters.
func (r *RecipientRepo) Count(ctx context.Context, c *domain.Campaign) (int, error) {
	var (
		query string
		arg   string
	)
	switch {
	case c.ListID != nil && *c.ListID != "":
		query = `
			SELECT COUNT(*) FROM customers cu
			JOIN customer_list_members m ON m.customer_id = cu.id
			WHERE m.list_id = $1`
		arg = *c.ListID
	case c.SegmentID != nil && *c.SegmentID != "":
		query = `
			SELECT COUNT(*) FROM customers cu
			JOIN customer_segment_members m ON m.customer_id = cu.id
			WHERE m.segment_id = $1`
		arg = *c.SegmentID
	default:
		return 0, fmt.Errorf("campaign %s has no list or segment target", c.ID)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

// Stream walks the campaign audience in id order, invoking fn per contact.
// pageSize bounds each SELECT; fn returning an error stops the stream.
func (r *RecipientRepo) Stream(ctx context.Context, c *domain.Campaign, pageSize int, fn func(domain.Contact) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}

	var (
		query string
		arg   string
	)
	switch {
	case c.ListID != nil && *c.ListID != "":
		query = `
			SELECT cu.id, cu.email, COALESCE(cu.first_name,''), COALESCE(cu.last_name,''), cu.attributes
			FROM customers cu
			JOIN customer_list_members m ON m.customer_id = cu.id
			WHERE m.list_id = $1 AND cu.id > $2
			ORDER BY cu.id
			LIMIT $3`
		arg = *c.ListID
	case c.SegmentID != nil && *c.SegmentID != "":
		query = `
			SELECT cu.id, cu.email, COALESCE(cu.first_name,''), COALESCE(cu.last_name,''), cu.attributes
			FROM customers cu
			JOIN customer_segment_members m ON m.customer_id = cu.id
			WHERE m.segment_id = $1 AND cu.id > $2
			ORDER BY cu.id
			LIMIT $3`
		arg = *c.SegmentID
	default:
		return fmt.Errorf("campaign %s has no list or segment target", c.ID)
	}

	cursor := ""
	for {
		contacts, last, err := r.page(ctx, query, arg, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, contact := range contacts {
			if err := fn(contact); err != nil {
				return err
			}
		}
		if len(contacts) < pageSize {
			return nil
		}
		cursor = last
	}
}

func (r *RecipientRepo) page(ctx context.Context, query, arg, cursor string, pageSize int) ([]domain.Contact, string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg, cursor, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("stream recipients: %w", err)
	}
	defer rows.Close()

	var (
		out  []domain.Contact
		last string
	)
	for rows.Next() {
		var (
			contact domain.Contact
			id      string
			attrs   []byte
		)
		if err := rows.Scan(&id, &contact.Email, &contact.FirstName, &contact.LastName, &attrs); err != nil {
			return nil, "", fmt.Errorf("scan recipient: %w", err)
		}
		contact.ID = &id
		if len(attrs) > 0 {
			// Malformed attributes should not sink the whole send.
			_ = json.Unmarshal(attrs, &contact.Attributes)
		}
		out = append(out, contact)
		last = id
	}
	return out, last, rows.Err()
}
