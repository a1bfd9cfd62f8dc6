package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/fingerprint"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

type dispatcherFixture struct {
	d         *Dispatcher
	campaigns *fakeCampaigns
	work      *fakeWork
	supp      *fakeSuppressions
	events    *fakeEvents
	queue     *fakeQueue
	sender    *fakeSender
	limiter   *fakeLimiter
	sleeps    *sleepRecorder
}

func newDispatcherFixture(status domain.CampaignStatus) *dispatcherFixture {
	c := draftCampaign("cmp-1")
	c.Status = status
	f := &dispatcherFixture{
		campaigns: newFakeCampaigns(c),
		work:      newFakeWork(),
		supp:      &fakeSuppressions{},
		events:    &fakeEvents{},
		queue:     &fakeQueue{},
		sender:    &fakeSender{},
		limiter:   &fakeLimiter{},
		sleeps:    &sleepRecorder{},
	}
	completion := NewCompletionChecker(f.campaigns, f.work, f.events, f.queue)
	f.d = NewDispatcher(f.campaigns, f.work, f.supp, f.events,
		f.sender, f.limiter, completion, 5*time.Minute)
	f.d.sleep = f.sleeps.sleep
	return f
}

// seedBatch creates pending work records for the recipients and returns
// the queue task carrying them.
func (f *dispatcherFixture) seedBatch(t *testing.T, emails ...string) *asynq.Task {
	t.Helper()
	recipients := make([]domain.Recipient, 0, len(emails))
	for _, email := range emails {
		fp := fingerprint.Fingerprint("cmp-1", email)
		f.work.seed(fp, "cmp-1", email, domain.WorkPending)
		recipients = append(recipients, domain.Recipient{
			Email: email, Subject: "Hi", HTML: "<p>hi</p>", From: "news@acme.test",
		})
	}
	payload, err := json.Marshal(domain.BatchJob{
		CampaignID: "cmp-1", ChunkIndex: 0, Recipients: recipients,
	})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return asynq.NewTask(queue.TaskBatchSend, payload)
}

func (f *dispatcherFixture) record(email string) *domain.WorkRecord {
	return f.work.records[fingerprint.Fingerprint("cmp-1", email)]
}

func TestProcessTask_SendsAndFinalizesCampaign(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test", "b@x.test", "c@x.test")
	f.events.distinct = 3

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if len(f.sender.calls) != 3 {
		t.Errorf("provider calls = %d, want 3", len(f.sender.calls))
	}
	for _, email := range []string{"a@x.test", "b@x.test", "c@x.test"} {
		w := f.record(email)
		if w.Status != domain.WorkSent || w.MessageID == nil {
			t.Errorf("record %s = %+v, want sent with message id", email, w)
		}
	}
	if got := len(f.events.byType(domain.EventSent)); got != 3 {
		t.Errorf("sent events = %d, want 3", got)
	}
	if f.campaigns.stats["sent_count"] != 3 {
		t.Errorf("sent_count = %d, want 3", f.campaigns.stats["sent_count"])
	}
	if len(f.campaigns.finalized) != 1 {
		t.Error("campaign not finalized after last batch")
	}
}

func TestProcessTask_MalformedPayloadSkipsRetry(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := asynq.NewTask(queue.TaskBatchSend, []byte("not json"))

	err := f.d.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}

func TestProcessTask_PausedCampaignDefersBatch(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignPaused)
	task := f.seedBatch(t, "a@x.test")

	if err := f.d.ProcessTask(context.Background(), task); err == nil {
		t.Fatal("paused campaign batch did not defer")
	}
	if len(f.sender.calls) != 0 {
		t.Error("provider called for paused campaign")
	}
}

func TestProcessTask_InactiveCampaignDropsBatch(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignDraft)
	task := f.seedBatch(t, "a@x.test")

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(f.sender.calls) != 0 {
		t.Error("provider called for draft campaign")
	}
}

func TestProcessTask_LateSuppressionSkips(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test", "gone@x.test")
	f.supp.byEmail = map[string]domain.Suppression{
		"gone@x.test": {Email: "gone@x.test", Status: domain.EmailUnsubscribed},
	}

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(f.sender.calls) != 1 || f.sender.calls[0] != "a@x.test" {
		t.Errorf("provider calls = %v, want only a@x.test", f.sender.calls)
	}
	fp := fingerprint.Fingerprint("cmp-1", "gone@x.test")
	if reason := f.work.skipped[fp]; reason != "unsubscribed" {
		t.Errorf("skip reason = %q, want unsubscribed", reason)
	}
}

func TestProcessTask_AlreadySentRecipientIsNoOp(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test")
	f.record("a@x.test").Status = domain.WorkSent

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(f.sender.calls) != 0 {
		t.Error("provider called for already-sent recipient")
	}
}

func TestProcessTask_UnmaterializedRecipientIsNoOp(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test")
	delete(f.work.records, fingerprint.Fingerprint("cmp-1", "a@x.test"))

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(f.sender.calls) != 0 {
		t.Error("provider called without a work record")
	}
}

func TestProcessTask_FatalErrorFailsRecipient(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "bad@x.test", "ok@x.test")
	f.sender.results = map[string]sendResult{
		"bad@x.test": {err: &provider.SendError{
			Kind: provider.KindInvalidEmail, StatusCode: 422, Message: "invalid recipient",
		}},
	}

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	bad := f.record("bad@x.test")
	if bad.Status != domain.WorkFailed || bad.LastError == nil {
		t.Errorf("bad record = %+v, want failed", bad)
	}
	if ok := f.record("ok@x.test"); ok.Status != domain.WorkSent {
		t.Errorf("ok record = %+v, want sent after fatal neighbor", ok)
	}
	if f.campaigns.stats["failed_count"] != 1 || f.campaigns.stats["sent_count"] != 1 {
		t.Errorf("stats = %v", f.campaigns.stats)
	}
	if got := len(f.events.byType(domain.EventFailed)); got != 1 {
		t.Errorf("failed events = %d, want 1", got)
	}
}

func TestProcessTask_TransientErrorReleasesAndRedrives(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "flaky@x.test")
	f.sender.results = map[string]sendResult{
		"flaky@x.test": {err: &provider.SendError{
			Kind: provider.KindServiceError, StatusCode: 503, Message: "upstream down",
		}},
	}

	err := f.d.ProcessTask(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "deferred") {
		t.Fatalf("err = %v, want deferred batch error", err)
	}

	w := f.record("flaky@x.test")
	if w.Status != domain.WorkPending || w.Attempts != 1 {
		t.Errorf("record = %+v, want pending with one attempt", w)
	}
	if len(f.campaigns.finalized) != 0 {
		t.Error("campaign finalized with work outstanding")
	}
}

func TestProcessTask_ProviderRateLimitCoolsDownAndAborts(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test", "b@x.test")
	rateErr := &provider.SendError{Kind: provider.KindRateLimit, StatusCode: 429}
	f.sender.results = map[string]sendResult{"a@x.test": {err: rateErr}}

	err := f.d.ProcessTask(context.Background(), task)
	if provider.KindOf(err) != provider.KindRateLimit {
		t.Fatalf("err = %v, want rate limit", err)
	}
	if !f.sleeps.contains(rateLimitCooldown) {
		t.Errorf("sleeps = %v, want %s cooldown", f.sleeps.slept, rateLimitCooldown)
	}
	if w := f.record("a@x.test"); w.Status != domain.WorkPending {
		t.Errorf("record = %+v, want released to pending", w)
	}
	// Batch aborted before the second recipient.
	if len(f.sender.calls) != 1 {
		t.Errorf("provider calls = %v, want 1", f.sender.calls)
	}
}

func TestProcessTask_CircuitOpenAborts(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test")
	f.sender.results = map[string]sendResult{"a@x.test": {err: provider.ErrCircuitOpen}}

	err := f.d.ProcessTask(context.Background(), task)
	if !errors.Is(err, provider.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if w := f.record("a@x.test"); w.Status != domain.WorkPending {
		t.Errorf("record = %+v, want released to pending", w)
	}
}

func TestProcessTask_DailyBudgetAborts(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test")
	f.limiter.err = ErrDailyLimit

	err := f.d.ProcessTask(context.Background(), task)
	if !errors.Is(err, ErrDailyLimit) {
		t.Fatalf("err = %v, want ErrDailyLimit", err)
	}
	if len(f.sender.calls) != 0 {
		t.Error("provider called with daily budget exhausted")
	}
	if w := f.record("a@x.test"); w.Status != domain.WorkPending {
		t.Errorf("record = %+v, want released to pending", w)
	}
}

func TestProcessTask_WaitsOutRateDenials(t *testing.T) {
	f := newDispatcherFixture(domain.CampaignSending)
	task := f.seedBatch(t, "a@x.test")
	f.limiter.denials = 2
	f.limiter.wait = time.Second

	if err := f.d.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if f.limiter.calls != 3 {
		t.Errorf("limiter calls = %d, want 3", f.limiter.calls)
	}
	if !f.sleeps.contains(time.Second) {
		t.Errorf("sleeps = %v, want 1s waits", f.sleeps.slept)
	}
	if w := f.record("a@x.test"); w.Status != domain.WorkSent {
		t.Errorf("record = %+v, want sent after waiting", w)
	}
}
