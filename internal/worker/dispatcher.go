package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/fingerprint"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

// Sender submits one rendered message to the provider and returns the
// provider message id.
type Sender interface {
	Send(ctx context.Context, r domain.Recipient, campaignID string) (string, error)
}

// Limiter gates provider calls against the plan budget.
type Limiter interface {
	Allow(ctx context.Context, n int) (bool, time.Duration, error)
}

const (
	rateLimitCooldown = 60 * time.Second
	statFlushEvery    = 10
	progressLogEvery  = 25
)

// Dispatcher drains batch jobs: it claims each recipient's work record,
// gates the provider call on the rate limiter, sends, and records the
// outcome. Every step is idempotent under redelivery because the claim is
// the only gate to the provider.
type Dispatcher struct {
	campaigns    CampaignStore
	workRecords  WorkStore
	suppressions SuppressionStore
	events       EventStore
	sender       Sender
	limiter      Limiter
	completion   *CompletionChecker

	workerID       string
	lockTTLSeconds int
	log            *logger.Logger

	sleep func(time.Duration) // test seam
}

// NewDispatcher wires a Dispatcher with a unique worker identity.
func NewDispatcher(
	campaigns CampaignStore,
	workRecords WorkStore,
	suppressions SuppressionStore,
	events EventStore,
	sender Sender,
	limiter Limiter,
	completion *CompletionChecker,
	lockTTL time.Duration,
) *Dispatcher {
	return &Dispatcher{
		campaigns:      campaigns,
		workRecords:    workRecords,
		suppressions:   suppressions,
		events:         events,
		sender:         sender,
		limiter:        limiter,
		completion:     completion,
		workerID:       "worker-" + uuid.NewString()[:8],
		lockTTLSeconds: int(lockTTL.Seconds()),
		log:            logger.With("dispatcher"),
		sleep:          time.Sleep,
	}
}

// WorkerID exposes the dispatcher's lock identity for health reporting.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// batchTally accumulates per-batch outcomes between stat flushes.
type batchTally struct {
	sent, failed, skipped, noop, deferred int
	pendingSent, pendingFailed            int
}

// ProcessTask handles one campaign:batch task. A non-nil return hands the
// batch back to the queue for a delayed retry; recipients already sent are
// no-ops on the redrive.
func (d *Dispatcher) ProcessTask(ctx context.Context, task *asynq.Task) error {
	job, err := queue.UnmarshalBatch(task.Payload())
	if err != nil {
		// A payload that never decodes will never decode; don't retry it.
		return fmt.Errorf("batch payload: %v: %w", err, asynq.SkipRetry)
	}

	status, err := d.campaigns.Status(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign status: %w", err)
	}
	switch status {
	case domain.CampaignSending:
		// proceed
	case domain.CampaignPaused:
		return fmt.Errorf("campaign %s paused, deferring batch %d", job.CampaignID, job.ChunkIndex)
	default:
		d.log.Info("dropping batch for inactive campaign",
			"campaign_id", job.CampaignID, "chunk", job.ChunkIndex, "status", status)
		return nil
	}

	var tally batchTally

	for i, rec := range job.Recipients {
		if ctx.Err() != nil {
			d.flushStats(ctx, job.CampaignID, &tally)
			return ctx.Err()
		}

		err := d.processRecipient(ctx, job.CampaignID, rec, &tally)
		if err != nil {
			d.flushStats(ctx, job.CampaignID, &tally)
			return err
		}

		if (i+1)%statFlushEvery == 0 {
			d.flushStats(ctx, job.CampaignID, &tally)
		}
		if (i+1)%progressLogEvery == 0 {
			d.log.Info("batch progress",
				"campaign_id", job.CampaignID,
				"chunk", job.ChunkIndex,
				"processed", i+1,
				"of", len(job.Recipients),
				"sent", tally.sent,
				"failed", tally.failed,
			)
		}
	}

	d.flushStats(ctx, job.CampaignID, &tally)
	d.log.Info("batch complete",
		"campaign_id", job.CampaignID,
		"chunk", job.ChunkIndex,
		"sent", tally.sent,
		"failed", tally.failed,
		"skipped", tally.skipped,
		"noop", tally.noop,
		"deferred", tally.deferred,
	)

	if tally.deferred > 0 {
		// Released records stay pending; redrive the batch so they get
		// another attempt. Already-sent recipients fail to claim and skip.
		return fmt.Errorf("batch %s/%d: %d recipients deferred after transient errors",
			job.CampaignID, job.ChunkIndex, tally.deferred)
	}

	if d.completion != nil {
		if _, err := d.completion.Check(ctx, job.CampaignID); err != nil {
			d.log.Warn("completion check", "campaign_id", job.CampaignID, "error", err)
		}
	}
	return nil
}

// processRecipient runs one recipient through the full dispatch contract.
// A non-nil return aborts the whole batch (rate limit, open circuit, daily
// budget); per-recipient failures are absorbed into the tally.
func (d *Dispatcher) processRecipient(ctx context.Context, campaignID string, rec domain.Recipient, tally *batchTally) error {
	fp := fingerprint.Fingerprint(campaignID, rec.Email)

	// Late suppression check: state may have changed since materialization.
	sup, err := d.suppressions.Lookup(ctx, rec.Email)
	if err != nil {
		return fmt.Errorf("suppression lookup: %w", err)
	}
	if suppressed, reason := sup.Suppressed(); suppressed {
		if err := d.workRecords.MarkSkipped(ctx, fp, reason); err != nil {
			d.log.Warn("mark skipped", "fingerprint", fp, "error", err)
		}
		tally.skipped++
		return nil
	}

	claim, err := d.workRecords.ClaimForProcessing(ctx, fp, d.workerID, d.lockTTLSeconds)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if claim == nil {
		// Held elsewhere, terminal, or never materialized. All are no-ops
		// here; the log distinguishes the unexpected missing-record case.
		if _, err := d.workRecords.Get(ctx, fp); err != nil {
			d.log.Warn("work record missing for batch recipient",
				"campaign_id", campaignID, "fingerprint", fp)
		}
		tally.noop++
		return nil
	}

	if err := d.waitForBudget(ctx, fp); err != nil {
		return err
	}

	msgID, err := d.sender.Send(ctx, rec, campaignID)
	if err != nil {
		return d.handleSendError(ctx, campaignID, fp, rec, err, tally)
	}

	if err := d.workRecords.MarkSent(ctx, fp, d.workerID, msgID); err != nil {
		// Lock lost mid-send: the recovery sweep owns this record now.
		d.log.Warn("mark sent", "fingerprint", fp, "error", err)
		tally.noop++
		return nil
	}
	d.appendEvent(ctx, campaignID, rec, domain.EventSent, msgID, nil)
	tally.sent++
	tally.pendingSent++
	return nil
}

// waitForBudget blocks until the rate limiter grants one provider call.
// An exhausted daily budget releases the claim and aborts the batch.
func (d *Dispatcher) waitForBudget(ctx context.Context, fp string) error {
	for {
		allowed, wait, err := d.limiter.Allow(ctx, 1)
		if err != nil {
			d.release(ctx, fp, err.Error())
			return err
		}
		if allowed {
			return nil
		}
		if ctx.Err() != nil {
			d.release(ctx, fp, "context canceled waiting for rate budget")
			return ctx.Err()
		}
		d.sleep(wait)
	}
}

func (d *Dispatcher) handleSendError(ctx context.Context, campaignID, fp string, rec domain.Recipient, sendErr error, tally *batchTally) error {
	switch provider.KindOf(sendErr) {
	case provider.KindRateLimit:
		// The provider told us to back off; cool down before the queue
		// redrives the batch with the rate-limit retry multiplier.
		d.log.Warn("provider rate limited", "campaign_id", campaignID, "fingerprint", fp)
		d.sleep(rateLimitCooldown)
		d.release(ctx, fp, sendErr.Error())
		return sendErr
	case provider.KindCircuitOpen:
		d.release(ctx, fp, sendErr.Error())
		return sendErr
	case provider.KindClientError, provider.KindInvalidEmail:
		if err := d.workRecords.MarkFailed(ctx, fp, d.workerID, sendErr.Error()); err != nil {
			d.log.Warn("mark failed", "fingerprint", fp, "error", err)
			tally.noop++
			return nil
		}
		d.appendEvent(ctx, campaignID, rec, domain.EventFailed, "", map[string]interface{}{
			"error": sendErr.Error(),
		})
		tally.failed++
		tally.pendingFailed++
		return nil
	default: // transient: service, network, unknown
		d.release(ctx, fp, sendErr.Error())
		tally.deferred++
		return nil
	}
}

func (d *Dispatcher) release(ctx context.Context, fp, reason string) {
	if err := d.workRecords.Release(context.WithoutCancel(ctx), fp, d.workerID, reason); err != nil {
		d.log.Warn("release claim", "fingerprint", fp, "error", err)
	}
}

func (d *Dispatcher) flushStats(ctx context.Context, campaignID string, tally *batchTally) {
	if tally.pendingSent > 0 {
		if err := d.campaigns.IncrementStat(ctx, campaignID, "sent_count", tally.pendingSent); err != nil {
			d.log.Warn("increment sent_count", "campaign_id", campaignID, "error", err)
		} else {
			tally.pendingSent = 0
		}
	}
	if tally.pendingFailed > 0 {
		if err := d.campaigns.IncrementStat(ctx, campaignID, "failed_count", tally.pendingFailed); err != nil {
			d.log.Warn("increment failed_count", "campaign_id", campaignID, "error", err)
		} else {
			tally.pendingFailed = 0
		}
	}
}

func (d *Dispatcher) appendEvent(ctx context.Context, campaignID string, rec domain.Recipient, typ domain.EventType, msgID string, metadata map[string]interface{}) {
	e := &domain.Event{
		CampaignID: campaignID,
		CustomerID: rec.CustomerID,
		Email:      rec.Email,
		Type:       typ,
		Source:     domain.EventSourceDispatch,
		Metadata:   metadata,
	}
	if msgID != "" {
		e.ProviderMessageID = &msgID
	}
	if _, err := d.events.Append(ctx, e); err != nil {
		d.log.Warn("append event", "campaign_id", campaignID, "type", typ, "error", err)
	}
}
