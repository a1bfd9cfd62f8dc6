package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

func TestEventAppend(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec(`INSERT INTO dispatch_events.+ON CONFLICT \(provider_event_id\) WHERE provider_event_id IS NOT NULL DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Append(context.Background(), &domain.Event{
		CampaignID: "cmp-1",
		Email:      "a@x.test",
		Type:       domain.EventSent,
		Source:     domain.EventSourceDispatch,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !inserted {
		t.Error("inserted = false, want true")
	}
}

func TestEventAppend_DuplicateProviderEventID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec(`INSERT INTO dispatch_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	pid := "evt-duplicate"
	inserted, err := repo.Append(context.Background(), &domain.Event{
		CampaignID:      "cmp-1",
		Email:           "a@x.test",
		Type:            domain.EventDelivered,
		Source:          domain.EventSourceWebhook,
		ProviderEventID: &pid,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported as new")
	}
}

func TestEventAppend_AssignsIDAndDate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec(`INSERT INTO dispatch_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := &domain.Event{CampaignID: "cmp-1", Email: "a@x.test", Type: domain.EventSent, Source: domain.EventSourceDispatch}
	if _, err := repo.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" {
		t.Error("event ID not assigned")
	}
	if e.EventDate.IsZero() {
		t.Error("event date not assigned")
	}
}

func TestDistinctSentRecipients(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(DISTINCT email\)`).
		WithArgs("cmp-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(97))

	n, err := repo.DistinctSentRecipients(context.Background(), "cmp-1")
	if err != nil {
		t.Fatalf("DistinctSentRecipients: %v", err)
	}
	if n != 97 {
		t.Errorf("n = %d, want 97", n)
	}
}

func TestTopLinks(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery(`event_type = 'clicked'`).
		WithArgs("cmp-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"url", "count"}).
			AddRow("https://shop.test/sale", 12).
			AddRow("https://shop.test/new", 4))

	links, err := repo.TopLinks(context.Background(), "cmp-1", 5)
	if err != nil {
		t.Fatalf("TopLinks: %v", err)
	}
	if len(links) != 2 || links[0].URL != "https://shop.test/sale" || links[0].Clicks != 12 {
		t.Errorf("links = %+v", links)
	}
}

func TestTimeline(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	hour := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`date_trunc\('hour', event_date\)`).
		WithArgs("cmp-1").
		WillReturnRows(sqlmock.NewRows([]string{"hour", "event_type", "count"}).
			AddRow(hour, "sent", 100).
			AddRow(hour, "opened", 30))

	buckets, err := repo.Timeline(context.Background(), "cmp-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Type != "sent" || buckets[0].Events != 100 {
		t.Errorf("buckets = %+v", buckets)
	}
}
