// Package worker holds the campaign send pipeline: the materializer that
// turns an audience into work records and queued batches, the dispatcher
// that drains batches through the provider, and the recovery and completion
// sweeps that keep the pipeline converging.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/fingerprint"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
)

// CampaignStore is the campaign registry surface the workers need.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	Status(ctx context.Context, id string) (domain.CampaignStatus, error)
	MarkSending(ctx context.Context, id string) error
	RevertToDraft(ctx context.Context, id, reason string) error
	Finalize(ctx context.Context, id string) error
	SetTotalRecipients(ctx context.Context, id string, total int) error
	IncrementStat(ctx context.Context, id, column string, delta int) error
	SendingIDs(ctx context.Context) ([]string, error)
}

// WorkStore is the work-record surface the workers need.
type WorkStore interface {
	UpsertPending(ctx context.Context, campaignID string, recs []postgres.PendingRecord) (int, error)
	ClaimForProcessing(ctx context.Context, fingerprint, workerID string, lockTTLSeconds int) (*domain.WorkRecord, error)
	Get(ctx context.Context, fingerprint string) (*domain.WorkRecord, error)
	MarkSent(ctx context.Context, fingerprint, workerID, providerMessageID string) error
	MarkFailed(ctx context.Context, fingerprint, workerID, lastError string) error
	Release(ctx context.Context, fingerprint, workerID, lastError string) error
	MarkSkipped(ctx context.Context, fingerprint, reason string) error
	RecoverExpiredLocks(ctx context.Context, lockTTLSeconds, maxAttempts int) (int, int, error)
	CountsByCampaign(ctx context.Context, campaignID string) (domain.WorkRecordCounts, error)
}

// SuppressionStore looks up recipient deliverability.
type SuppressionStore interface {
	Lookup(ctx context.Context, email string) (domain.Suppression, error)
}

// RecipientSource streams the campaign audience.
type RecipientSource interface {
	Count(ctx context.Context, c *domain.Campaign) (int, error)
	Stream(ctx context.Context, c *domain.Campaign, pageSize int, fn func(domain.Contact) error) error
}

// EventStore appends to the delivery event log.
type EventStore interface {
	Append(ctx context.Context, e *domain.Event) (bool, error)
}

// BatchQueue is the producer surface of the job queue.
type BatchQueue interface {
	EnqueueBatch(ctx context.Context, job domain.BatchJob) (bool, error)
	PendingBatches(ctx context.Context, campaignID string) (int, error)
}

// Personalizer renders one contact's message.
type Personalizer interface {
	Personalize(c *domain.Campaign, contact domain.Contact) domain.Recipient
}

// CampaignLocker hands out a per-campaign mutual exclusion lock.
type CampaignLocker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ErrNotSendable is returned when materialization is requested for a
// campaign that is not in draft or scheduled.
var ErrNotSendable = errors.New("campaign is not in a sendable state")

// ErrEmptyAudience is returned when the resolved recipient set is empty.
var ErrEmptyAudience = errors.New("campaign audience is empty")

// materializeParams are the cardinality-adaptive batch sizes. Small
// campaigns prioritize latency, large ones per-operation memory.
type materializeParams struct {
	Cursor       int
	UpsertBatch  int
	EnqueueChunk int
}

func paramsFor(n int) materializeParams {
	switch {
	case n < 5_000:
		return materializeParams{Cursor: 500, UpsertBatch: 1000, EnqueueChunk: 5000}
	case n < 50_000:
		return materializeParams{Cursor: 500, UpsertBatch: 500, EnqueueChunk: 3000}
	case n < 200_000:
		return materializeParams{Cursor: 300, UpsertBatch: 300, EnqueueChunk: 2000}
	default:
		return materializeParams{Cursor: 100, UpsertBatch: 100, EnqueueChunk: 1000}
	}
}

const (
	enqueueAttempts   = 3
	enqueueBaseDelay  = 2 * time.Second
	interChunkBreathe = 100 * time.Millisecond
)

// Materializer streams a campaign audience into work records and queued
// batches. One materialization runs per campaign at a time, guarded by a
// distributed lock; deterministic batch ids make a redrive harmless.
type Materializer struct {
	campaigns    CampaignStore
	recipients   RecipientSource
	suppressions SuppressionStore
	workRecords  WorkStore
	queue        BatchQueue
	renderer     Personalizer
	lockFor      func(campaignID string) CampaignLocker
	log          *logger.Logger

	sleep func(time.Duration) // test seam
}

// NewMaterializer wires a Materializer.
func NewMaterializer(
	campaigns CampaignStore,
	recipients RecipientSource,
	suppressions SuppressionStore,
	workRecords WorkStore,
	q BatchQueue,
	renderer Personalizer,
	lockFor func(campaignID string) CampaignLocker,
) *Materializer {
	return &Materializer{
		campaigns:    campaigns,
		recipients:   recipients,
		suppressions: suppressions,
		workRecords:  workRecords,
		queue:        q,
		renderer:     renderer,
		lockFor:      lockFor,
		log:          logger.With("materializer"),
		sleep:        time.Sleep,
	}
}

// MaterializeResult summarizes one materialization run.
type MaterializeResult struct {
	Audience      int `json:"audience"`
	Materialized  int `json:"materialized"`
	Suppressed    int `json:"suppressed"`
	Deduplicated  int `json:"deduplicated"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
}

// Run materializes one campaign send end to end. A second concurrent call
// for the same campaign returns immediately without touching state.
func (m *Materializer) Run(ctx context.Context, campaignID string) (*MaterializeResult, error) {
	lock := m.lockFor(campaignID)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring campaign lock: %w", err)
	}
	if !acquired {
		m.log.Info("materialization already in progress", "campaign_id", campaignID)
		return nil, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("releasing campaign lock", "campaign_id", campaignID, "error", err)
		}
	}()

	c, err := m.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	if !c.Sendable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotSendable, c.Status)
	}

	audience, err := m.recipients.Count(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("counting audience: %w", err)
	}
	if audience == 0 {
		return nil, ErrEmptyAudience
	}

	if err := m.campaigns.MarkSending(ctx, campaignID); err != nil {
		return nil, fmt.Errorf("marking campaign sending: %w", err)
	}
	if err := m.campaigns.SetTotalRecipients(ctx, campaignID, audience); err != nil {
		return nil, fmt.Errorf("seeding total recipients: %w", err)
	}

	result, err := m.stream(ctx, c, audience)
	if err != nil {
		m.log.Error("materialization failed", "campaign_id", campaignID, "error", err)
		if revertErr := m.campaigns.RevertToDraft(context.WithoutCancel(ctx), campaignID, err.Error()); revertErr != nil {
			m.log.Error("reverting campaign", "campaign_id", campaignID, "error", revertErr)
		}
		return nil, err
	}

	if result.Materialized == 0 {
		// Every recipient was suppressed or duplicate; nothing to send.
		if err := m.campaigns.RevertToDraft(ctx, campaignID, "no eligible recipients after filtering"); err != nil {
			m.log.Error("reverting campaign", "campaign_id", campaignID, "error", err)
		}
		return result, ErrEmptyAudience
	}

	// The completion check compares settled records against this count, so
	// it must reflect what was actually materialized, not the raw audience:
	// suppressed and duplicate recipients never get a work record.
	if result.Materialized != audience {
		if err := m.campaigns.SetTotalRecipients(ctx, campaignID, result.Materialized); err != nil {
			m.log.Warn("adjusting total recipients", "campaign_id", campaignID, "error", err)
		}
	}

	m.log.Info("materialization complete",
		"campaign_id", campaignID,
		"audience", result.Audience,
		"materialized", result.Materialized,
		"suppressed", result.Suppressed,
		"batches", result.Batches,
		"failed_batches", result.FailedBatches,
	)
	return result, nil
}

func (m *Materializer) stream(ctx context.Context, c *domain.Campaign, audience int) (*MaterializeResult, error) {
	params := paramsFor(audience)
	result := &MaterializeResult{Audience: audience}

	seen := make(map[string]struct{}, params.EnqueueChunk)
	upsertBuf := make([]postgres.PendingRecord, 0, params.UpsertBatch)
	enqueueBuf := make([]domain.Recipient, 0, params.EnqueueChunk)
	chunkIndex := 0

	flushUpserts := func() error {
		if len(upsertBuf) == 0 {
			return nil
		}
		if _, err := m.workRecords.UpsertPending(ctx, c.ID, upsertBuf); err != nil {
			return fmt.Errorf("upserting work records: %w", err)
		}
		upsertBuf = upsertBuf[:0]
		return nil
	}

	flushEnqueue := func() error {
		if len(enqueueBuf) == 0 {
			return nil
		}
		// Work records must be durable before their batches can run.
		if err := flushUpserts(); err != nil {
			return err
		}
		for start := 0; start < len(enqueueBuf); start += domain.MaxBatchRecipients {
			end := start + domain.MaxBatchRecipients
			if end > len(enqueueBuf) {
				end = len(enqueueBuf)
			}
			job := domain.BatchJob{
				CampaignID: c.ID,
				ChunkIndex: chunkIndex,
				Recipients: enqueueBuf[start:end],
			}
			if m.enqueueWithRetry(ctx, job) {
				result.Batches++
			} else {
				result.FailedBatches++
			}
			chunkIndex++
		}
		enqueueBuf = enqueueBuf[:0]
		// One pause per chunk, not per batch; enough to keep the queue
		// server from seeing a sustained burst.
		m.sleep(interChunkBreathe)
		// Releasing the seen set caps memory on large audiences; the work
		// record conflict handling and claim gate absorb any cross-chunk
		// duplicates this lets through.
		seen = make(map[string]struct{}, params.EnqueueChunk)
		return nil
	}

	err := m.recipients.Stream(ctx, c, params.Cursor, func(contact domain.Contact) error {
		email := fingerprint.NormalizeEmail(contact.Email)
		if email == "" {
			return nil
		}
		fp := fingerprint.Fingerprint(c.ID, email)
		if _, dup := seen[fp]; dup {
			result.Deduplicated++
			return nil
		}
		seen[fp] = struct{}{}

		sup, err := m.suppressions.Lookup(ctx, email)
		if err != nil {
			return fmt.Errorf("suppression lookup: %w", err)
		}
		if suppressed, _ := sup.Suppressed(); suppressed {
			result.Suppressed++
			return nil
		}

		rec := m.renderer.Personalize(c, contact)
		upsertBuf = append(upsertBuf, postgres.PendingRecord{
			Fingerprint: fp,
			Email:       email,
			CustomerID:  contact.ID,
		})
		enqueueBuf = append(enqueueBuf, rec)
		result.Materialized++

		if len(upsertBuf) >= params.UpsertBatch {
			if err := flushUpserts(); err != nil {
				return err
			}
		}
		if len(enqueueBuf) >= params.EnqueueChunk {
			return flushEnqueue()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := flushUpserts(); err != nil {
		return nil, err
	}
	if err := flushEnqueue(); err != nil {
		return nil, err
	}
	return result, nil
}

// enqueueWithRetry submits one batch with backoff. A batch that never
// makes it is logged and left for completion verification to surface; it
// must not abort the rest of the send.
func (m *Materializer) enqueueWithRetry(ctx context.Context, job domain.BatchJob) bool {
	delay := enqueueBaseDelay
	for attempt := 1; attempt <= enqueueAttempts; attempt++ {
		_, err := m.queue.EnqueueBatch(ctx, job)
		if err == nil {
			return true
		}
		m.log.Warn("batch enqueue failed",
			"campaign_id", job.CampaignID,
			"chunk", job.ChunkIndex,
			"attempt", attempt,
			"error", err,
		)
		if attempt < enqueueAttempts {
			m.sleep(delay)
			delay *= 2
		}
	}
	return false
}
