package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
)

// DistinctSentCounter reconciles the event log against work record counts.
type DistinctSentCounter interface {
	DistinctSentRecipients(ctx context.Context, campaignID string) (int, error)
}

// CompletionChecker decides when a sending campaign is done. A campaign
// finalizes only when every materialized recipient reached a terminal
// state, no work record is pending or in flight, AND no batch task for it
// remains in the queue; checking any one source alone would finalize early
// while the others still hold work.
type CompletionChecker struct {
	campaigns   CampaignStore
	workRecords WorkStore
	events      DistinctSentCounter
	queue       BatchQueue
	log         *logger.Logger
}

// NewCompletionChecker wires a CompletionChecker.
func NewCompletionChecker(campaigns CampaignStore, workRecords WorkStore, events DistinctSentCounter, q BatchQueue) *CompletionChecker {
	return &CompletionChecker{
		campaigns:   campaigns,
		workRecords: workRecords,
		events:      events,
		queue:       q,
		log:         logger.With("completion"),
	}
}

// Check finalizes the campaign if every recipient reached a terminal state
// and the queue holds no more of its batches. Returns true when the
// campaign was (or already is) finalized.
func (c *CompletionChecker) Check(ctx context.Context, campaignID string) (bool, error) {
	campaign, err := c.campaigns.Get(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if campaign.Status != domain.CampaignSending {
		return campaign.Status == domain.CampaignSent, nil
	}

	counts, err := c.workRecords.CountsByCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if counts.Pending > 0 || counts.Sending > 0 {
		return false, nil
	}
	if counts.Total() == 0 {
		// Nothing was ever materialized; leave the campaign alone.
		return false, nil
	}
	if counts.Processed() < campaign.Stats.TotalRecipients {
		// Materialization is still streaming later chunks; the records
		// written so far settling does not mean the campaign is done.
		return false, nil
	}

	inFlight, err := c.queue.PendingBatches(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if inFlight > 0 {
		return false, nil
	}

	// Reconcile before finalizing; a mismatch means events were dropped
	// and is worth an operator's attention, but never blocks completion.
	distinct, err := c.events.DistinctSentRecipients(ctx, campaignID)
	if err != nil {
		c.log.Warn("sent reconciliation query", "campaign_id", campaignID, "error", err)
	} else if sent := counts.Sent + counts.Delivered + counts.Bounced; distinct != sent {
		c.log.Warn("sent count mismatch between work records and event log",
			"campaign_id", campaignID, "work_records", sent, "events", distinct)
	}

	err = c.campaigns.Finalize(ctx, campaignID)
	if errors.Is(err, postgres.ErrInvalidTransition) {
		// Another worker finalized first.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	c.log.Info("campaign completed",
		"campaign_id", campaignID,
		"sent", counts.Sent,
		"delivered", counts.Delivered,
		"failed", counts.Failed,
		"bounced", counts.Bounced,
		"skipped", counts.Skipped,
	)
	return true, nil
}

// Sweep runs Check across every campaign still marked sending. This is the
// safety net for campaigns whose final batch crashed after its work records
// settled.
func (c *CompletionChecker) Sweep(ctx context.Context) {
	ids, err := c.campaigns.SendingIDs(ctx)
	if err != nil {
		c.log.Error("listing sending campaigns", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := c.Check(ctx, id); err != nil {
			c.log.Warn("completion sweep", "campaign_id", id, "error", err)
		}
	}
}

// RunSweeper sweeps on a fixed interval until the context is canceled.
func (c *CompletionChecker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
