// Package api exposes the admin HTTP surface of the dispatch engine:
// starting a campaign send, reading its stats, health, and queue controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/breaker"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

// CampaignStore is the campaign surface the API needs.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	SendingIDs(ctx context.Context) ([]string, error)
}

// WorkStore reads per-recipient aggregates.
type WorkStore interface {
	CountsByCampaign(ctx context.Context, campaignID string) (domain.WorkRecordCounts, error)
	StuckCount(ctx context.Context, lockTTLSeconds int) (int, error)
}

// EventStore reads engagement breakdowns from the event log.
type EventStore interface {
	TopLinks(ctx context.Context, campaignID string, limit int) ([]postgres.LinkClick, error)
	Timeline(ctx context.Context, campaignID string) ([]postgres.TimelineBucket, error)
}

// QueueAdmin is the operator surface of the job queue.
type QueueAdmin interface {
	Counts(ctx context.Context) (queue.Counts, error)
	Ping(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Clean(ctx context.Context) (int, error)
}

// AudienceCounter resolves a campaign's recipient cardinality.
type AudienceCounter interface {
	Count(ctx context.Context, c *domain.Campaign) (int, error)
}

// Materializer starts a campaign send.
type Materializer interface {
	Run(ctx context.Context, campaignID string) (*worker.MaterializeResult, error)
}

// CompletionSweeper re-checks sending campaigns for completion.
type CompletionSweeper interface {
	Sweep(ctx context.Context)
}

// TestSender submits one message outside the batch pipeline (test mode).
type TestSender interface {
	Send(ctx context.Context, r domain.Recipient, campaignID string) (string, error)
}

// Personalizer renders a single recipient (test mode).
type Personalizer interface {
	Personalize(c *domain.Campaign, contact domain.Contact) domain.Recipient
}

// UsageReporter exposes rate limiter consumption for health reporting.
type UsageReporter interface {
	Usage(ctx context.Context) (map[string]int64, error)
}

// Deps bundles everything the handlers touch.
type Deps struct {
	Campaigns    CampaignStore
	WorkRecords  WorkStore
	Events       EventStore
	Queue        QueueAdmin
	Audience     AudienceCounter
	Materializer Materializer
	Completion   CompletionSweeper
	Sender       TestSender
	Renderer     Personalizer
	Limiter      UsageReporter
	BreakerState func() breaker.State
	LockTTL      time.Duration
}

// Handlers carries the HTTP handlers and their dependencies.
type Handlers struct {
	deps Deps
	log  *logger.Logger

	// materialize is the async launch seam; tests replace it to run inline.
	materialize func(campaignID string)
}

// NewHandlers wires the handler set.
func NewHandlers(deps Deps) *Handlers {
	h := &Handlers{deps: deps, log: logger.With("api")}
	h.materialize = func(campaignID string) {
		go func() {
			// Detached from the request: a send outlives its trigger.
			if _, err := deps.Materializer.Run(context.Background(), campaignID); err != nil {
				h.log.Error("materialization", "campaign_id", campaignID, "error", err)
			}
		}()
	}
	return h
}

type sendRequest struct {
	TestMode  bool   `json:"testMode"`
	TestEmail string `json:"testEmail"`
}

// SendCampaign starts a campaign send, or in test mode dispatches one
// message to testEmail without touching campaign state.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	var req sendRequest
	if r.Body != nil {
		// An empty body means a normal full send.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	c, err := h.deps.Campaigns.Get(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.TestMode {
		h.sendTest(w, r, c, req.TestEmail)
		return
	}

	if !c.Sendable() {
		respondError(w, http.StatusBadRequest, "campaign is not in a sendable state: "+string(c.Status))
		return
	}

	audience, err := h.deps.Audience.Count(r.Context(), c)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if audience == 0 {
		respondError(w, http.StatusBadRequest, "campaign has no recipients")
		return
	}

	if err := h.deps.Queue.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}

	h.materialize(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "materializing",
		"campaignId":       id,
		"totalRecipients":  audience,
		"estimatedSeconds": h.estimateSeconds(r.Context(), audience),
	})
}

// estimateSeconds projects the send duration from the plan's per-second
// budget. Best effort: an unreadable budget yields zero rather than an
// error on the send path.
func (h *Handlers) estimateSeconds(ctx context.Context, audience int) int {
	usage, err := h.deps.Limiter.Usage(ctx)
	if err != nil {
		h.log.Warn("rate limit usage for estimate", "error", err)
		return 0
	}
	rate := int(usage["second_limit"])
	if rate <= 0 {
		return 0
	}
	return (audience + rate - 1) / rate
}

func (h *Handlers) sendTest(w http.ResponseWriter, r *http.Request, c *domain.Campaign, email string) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		respondError(w, http.StatusBadRequest, "testEmail is required for test mode")
		return
	}

	rec := h.deps.Renderer.Personalize(c, domain.Contact{Email: email, FirstName: "Test"})
	rec.Subject = "[TEST] " + rec.Subject

	msgID, err := h.deps.Sender.Send(r.Context(), rec, c.ID)
	if err != nil {
		respondError(w, http.StatusBadGateway, "test send failed: "+err.Error())
		return
	}
	h.log.Info("test send", "campaign_id", c.ID, "email", email, "message_id", msgID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"messageId": msgID,
	})
}

// CampaignStats returns counters, derived rates, per-status work record
// aggregates, and engagement breakdowns for one campaign.
func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	c, err := h.deps.Campaigns.Get(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	counts, err := h.deps.WorkRecords.CountsByCampaign(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	links, err := h.deps.Events.TopLinks(r.Context(), id, 10)
	if err != nil {
		h.log.Warn("top links", "campaign_id", id, "error", err)
	}
	timeline, err := h.deps.Events.Timeline(r.Context(), id)
	if err != nil {
		h.log.Warn("timeline", "campaign_id", id, "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaignId":  c.ID,
		"name":        c.Name,
		"status":      c.Status,
		"stats":       c.Stats,
		"rates":       c.Stats.Rates(),
		"workRecords": counts,
		"topLinks":    links,
		"timeline":    timeline,
	})
}

// PauseCampaign stops workers from claiming the campaign's recipients.
// Queued batches stay queued; the dispatcher defers them on status.
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transitionCampaign(w, r, h.deps.Campaigns.Pause, "paused")
}

// ResumeCampaign puts a paused campaign back to sending.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transitionCampaign(w, r, h.deps.Campaigns.Resume, "sending")
}

func (h *Handlers) transitionCampaign(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, target string) {
	id := chi.URLParam(r, "campaignID")
	err := fn(r.Context(), id)
	if errors.Is(err, postgres.ErrInvalidTransition) {
		respondError(w, http.StatusConflict, "campaign cannot transition to "+target)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": target, "campaignId": id})
}

// CheckCompletions sweeps all sending campaigns through the completion
// check. Operators use it after clearing a queue outage.
func (h *Handlers) CheckCompletions(w http.ResponseWriter, r *http.Request) {
	h.deps.Completion.Sweep(r.Context())
	ids, err := h.deps.Campaigns.SendingIDs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "checked",
		"stillSending": ids,
	})
}

// Health reports queue depth, stuck work records, breaker position, and
// rate budget consumption. Degraded states still return 200; monitoring
// alerts on the body, not the status code.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	counts, err := h.deps.Queue.Counts(r.Context())
	if err != nil {
		body["status"] = "degraded"
		body["queueError"] = err.Error()
	} else {
		body["queue"] = counts
	}

	stuck, err := h.deps.WorkRecords.StuckCount(r.Context(), int(h.deps.LockTTL.Seconds()))
	if err != nil {
		body["status"] = "degraded"
		body["databaseError"] = err.Error()
	} else {
		body["stuckRecords"] = stuck
	}

	if ids, err := h.deps.Campaigns.SendingIDs(r.Context()); err == nil {
		body["sendingCampaigns"] = len(ids)
	}
	if h.deps.BreakerState != nil {
		body["breaker"] = h.deps.BreakerState()
	}
	if h.deps.Limiter != nil {
		if usage, err := h.deps.Limiter.Usage(r.Context()); err == nil {
			body["rateLimit"] = usage
		}
	}

	respondJSON(w, http.StatusOK, body)
}

// QueuePause stops batch processing engine-wide.
func (h *Handlers) QueuePause(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queue.Pause(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// QueueResume re-enables batch processing.
func (h *Handlers) QueueResume(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queue.Resume(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// QueueClean drops completed and dead tasks.
func (h *Handlers) QueueClean(w http.ResponseWriter, r *http.Request) {
	removed, err := h.deps.Queue.Clean(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "cleaned",
		"removed": removed,
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
