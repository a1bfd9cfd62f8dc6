package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
)

type fakeCampaigns struct {
	mu sync.Mutex

	campaign    *domain.Campaign
	getErr      error
	markSending []string
	reverted    map[string]string
	finalized   []string
	finalizeErr error
	totals      map[string]int
	stats       map[string]int
	sendingIDs  []string
}

func newFakeCampaigns(c *domain.Campaign) *fakeCampaigns {
	return &fakeCampaigns{
		campaign: c,
		reverted: map[string]string{},
		totals:   map[string]int{},
		stats:    map[string]int{},
	}
}

func (f *fakeCampaigns) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.campaign == nil || f.campaign.ID != id {
		return nil, postgres.ErrNotFound
	}
	return f.campaign, nil
}

func (f *fakeCampaigns) Status(ctx context.Context, id string) (domain.CampaignStatus, error) {
	if f.campaign == nil || f.campaign.ID != id {
		return "", postgres.ErrNotFound
	}
	return f.campaign.Status, nil
}

func (f *fakeCampaigns) MarkSending(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markSending = append(f.markSending, id)
	f.campaign.Status = domain.CampaignSending
	return nil
}

func (f *fakeCampaigns) RevertToDraft(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted[id] = reason
	f.campaign.Status = domain.CampaignDraft
	return nil
}

func (f *fakeCampaigns) Finalize(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = append(f.finalized, id)
	f.campaign.Status = domain.CampaignSent
	return nil
}

func (f *fakeCampaigns) SetTotalRecipients(ctx context.Context, id string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[id] = total
	f.campaign.Stats.TotalRecipients = total
	return nil
}

func (f *fakeCampaigns) IncrementStat(ctx context.Context, id, column string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[column] += delta
	return nil
}

func (f *fakeCampaigns) SendingIDs(ctx context.Context) ([]string, error) {
	return f.sendingIDs, nil
}

type fakeWork struct {
	mu sync.Mutex

	records    map[string]*domain.WorkRecord
	upserted   []postgres.PendingRecord
	upsertErr  error
	skipped    map[string]string
	released   map[string]string
	recovered  int
	exhausted  int
	recoverTTL int
}

func newFakeWork() *fakeWork {
	return &fakeWork{
		records:  map[string]*domain.WorkRecord{},
		skipped:  map[string]string{},
		released: map[string]string{},
	}
}

func (f *fakeWork) seed(fp, campaignID, email string, status domain.WorkRecordStatus) {
	f.records[fp] = &domain.WorkRecord{
		Fingerprint: fp, CampaignID: campaignID, Email: email, Status: status,
	}
}

func (f *fakeWork) UpsertPending(ctx context.Context, campaignID string, recs []postgres.PendingRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	inserted := 0
	for _, rec := range recs {
		if _, ok := f.records[rec.Fingerprint]; ok {
			continue
		}
		f.records[rec.Fingerprint] = &domain.WorkRecord{
			Fingerprint: rec.Fingerprint, CampaignID: campaignID,
			Email: rec.Email, CustomerID: rec.CustomerID, Status: domain.WorkPending,
		}
		inserted++
	}
	f.upserted = append(f.upserted, recs...)
	return inserted, nil
}

func (f *fakeWork) ClaimForProcessing(ctx context.Context, fp, workerID string, lockTTLSeconds int) (*domain.WorkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.records[fp]
	if !ok {
		return nil, nil
	}
	if w.Status != domain.WorkPending && w.Status != domain.WorkFailed {
		return nil, nil
	}
	if w.LockedBy != nil {
		return nil, nil
	}
	w.Status = domain.WorkSending
	w.LockedBy = &workerID
	return w, nil
}

func (f *fakeWork) Get(ctx context.Context, fp string) (*domain.WorkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.records[fp]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return w, nil
}

func (f *fakeWork) MarkSent(ctx context.Context, fp, workerID, providerMessageID string) error {
	return f.transition(fp, workerID, func(w *domain.WorkRecord) {
		w.Status = domain.WorkSent
		w.MessageID = &providerMessageID
	})
}

func (f *fakeWork) MarkFailed(ctx context.Context, fp, workerID, lastError string) error {
	return f.transition(fp, workerID, func(w *domain.WorkRecord) {
		w.Status = domain.WorkFailed
		w.LastError = &lastError
	})
}

func (f *fakeWork) Release(ctx context.Context, fp, workerID, lastError string) error {
	f.released[fp] = lastError
	return f.transition(fp, workerID, func(w *domain.WorkRecord) {
		w.Status = domain.WorkPending
		w.Attempts++
		w.LastError = &lastError
	})
}

func (f *fakeWork) transition(fp, workerID string, apply func(*domain.WorkRecord)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.records[fp]
	if !ok || w.Status != domain.WorkSending || w.LockedBy == nil || *w.LockedBy != workerID {
		return postgres.ErrLockLost
	}
	apply(w)
	w.LockedBy = nil
	return nil
}

func (f *fakeWork) MarkSkipped(ctx context.Context, fp, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped[fp] = reason
	if w, ok := f.records[fp]; ok && w.Status == domain.WorkPending {
		w.Status = domain.WorkSkipped
		w.SkipReason = &reason
	}
	return nil
}

func (f *fakeWork) RecoverExpiredLocks(ctx context.Context, lockTTLSeconds, maxAttempts int) (int, int, error) {
	f.recoverTTL = lockTTLSeconds
	return f.recovered, f.exhausted, nil
}

func (f *fakeWork) CountsByCampaign(ctx context.Context, campaignID string) (domain.WorkRecordCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c domain.WorkRecordCounts
	for _, w := range f.records {
		if w.CampaignID != campaignID {
			continue
		}
		switch w.Status {
		case domain.WorkPending:
			c.Pending++
		case domain.WorkSending:
			c.Sending++
		case domain.WorkSent:
			c.Sent++
		case domain.WorkDelivered:
			c.Delivered++
		case domain.WorkFailed:
			c.Failed++
		case domain.WorkBounced:
			c.Bounced++
		case domain.WorkSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

type fakeSuppressions struct {
	byEmail map[string]domain.Suppression
	err     error
}

func (f *fakeSuppressions) Lookup(ctx context.Context, email string) (domain.Suppression, error) {
	if f.err != nil {
		return domain.Suppression{}, f.err
	}
	if s, ok := f.byEmail[email]; ok {
		return s, nil
	}
	return domain.Suppression{Email: email, Status: domain.EmailActive}, nil
}

type fakeRecipients struct {
	contacts  []domain.Contact
	streamErr error
}

func (f *fakeRecipients) Count(ctx context.Context, c *domain.Campaign) (int, error) {
	return len(f.contacts), nil
}

func (f *fakeRecipients) Stream(ctx context.Context, c *domain.Campaign, pageSize int, fn func(domain.Contact) error) error {
	for i, contact := range f.contacts {
		if f.streamErr != nil && i == len(f.contacts)/2 {
			return f.streamErr
		}
		if err := fn(contact); err != nil {
			return err
		}
	}
	return nil
}

type fakeEvents struct {
	mu       sync.Mutex
	appended []*domain.Event
	distinct int
}

func (f *fakeEvents) Append(ctx context.Context, e *domain.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, e)
	return true, nil
}

func (f *fakeEvents) DistinctSentRecipients(ctx context.Context, campaignID string) (int, error) {
	return f.distinct, nil
}

func (f *fakeEvents) byType(typ domain.EventType) []*domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Event
	for _, e := range f.appended {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []domain.BatchJob
	failFirst int
	inFlight  map[string]int
}

func (f *fakeQueue) EnqueueBatch(ctx context.Context, job domain.BatchJob) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return false, errors.New("redis unavailable")
	}
	f.enqueued = append(f.enqueued, job)
	return true, nil
}

func (f *fakeQueue) PendingBatches(ctx context.Context, campaignID string) (int, error) {
	if f.inFlight == nil {
		return 0, nil
	}
	return f.inFlight[campaignID], nil
}

type sendResult struct {
	id  string
	err error
}

type fakeSender struct {
	mu      sync.Mutex
	results map[string]sendResult
	calls   []string
	seq     int
}

func (f *fakeSender) Send(ctx context.Context, r domain.Recipient, campaignID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Email)
	if res, ok := f.results[r.Email]; ok {
		return res.id, res.err
	}
	f.seq++
	return fmt.Sprintf("msg-%d", f.seq), nil
}

type fakeLimiter struct {
	denials int
	wait    time.Duration
	err     error
	calls   int
}

func (f *fakeLimiter) Allow(ctx context.Context, n int) (bool, time.Duration, error) {
	f.calls++
	if f.err != nil {
		return false, 0, f.err
	}
	if f.denials > 0 {
		f.denials--
		return false, f.wait, nil
	}
	return true, 0, nil
}

type fakeLock struct {
	held       bool
	acquireErr error
	released   bool
}

func (f *fakeLock) Acquire(ctx context.Context) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context) error {
	f.held = false
	f.released = true
	return nil
}

type stubRenderer struct{}

func (stubRenderer) Personalize(c *domain.Campaign, contact domain.Contact) domain.Recipient {
	return domain.Recipient{
		Email:      contact.Email,
		Subject:    c.Subject,
		HTML:       "<p>hello</p>",
		From:       c.FromEmail,
		CustomerID: contact.ID,
	}
}

// sleepRecorder replaces the sleep seam and records requested durations.
type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
}

func (s *sleepRecorder) contains(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.slept {
		if got == d {
			return true
		}
	}
	return false
}
