// Package queue wraps the Redis-backed job queue for campaign batches.
// Batch jobs carry deterministic task ids (batch_{campaignId}_{chunkIndex}),
// so re-enqueueing during a retry or re-materialization is a no-op while the
// original task is still pending, running, or retained.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/fingerprint"
)

// TaskBatchSend is the task type for a campaign batch.
const TaskBatchSend = "campaign:batch"

// QueueName is the single queue all batch jobs flow through.
const QueueName = "dispatch"

// Queue is the producer/inspector side of the job queue.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	retention time.Duration
	timeout   time.Duration
}

// New creates a Queue from the shared Redis connection settings.
func New(redisOpt asynq.RedisClientOpt, cfg config.QueueConfig) *Queue {
	return &Queue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		maxRetry:  cfg.MaxRetries,
		retention: time.Duration(cfg.RetentionHours) * time.Hour,
		timeout:   time.Duration(cfg.JobTimeoutMins) * time.Minute,
	}
}

// Close releases the underlying Redis connections.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	return q.inspector.Close()
}

// EnqueueBatch enqueues one batch job. Returns false when a task with the
// same batch id already exists; that is the expected path under retried
// materialization and is not an error.
func (q *Queue) EnqueueBatch(ctx context.Context, job domain.BatchJob) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encoding batch payload: %w", err)
	}

	task := asynq.NewTask(TaskBatchSend, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(fingerprint.BatchID(job.CampaignID, job.ChunkIndex)),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(q.retention),
		asynq.Timeout(q.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue batch %s/%d: %w", job.CampaignID, job.ChunkIndex, err)
	}
	return true, nil
}

// UnmarshalBatch decodes a batch task payload.
func UnmarshalBatch(payload []byte) (domain.BatchJob, error) {
	var job domain.BatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, fmt.Errorf("decoding batch payload: %w", err)
	}
	return job, nil
}

// Counts is a snapshot of queue depth by task state.
type Counts struct {
	Pending   int  `json:"pending"`
	Active    int  `json:"active"`
	Scheduled int  `json:"scheduled"`
	Retry     int  `json:"retry"`
	Archived  int  `json:"archived"`
	Completed int  `json:"completed"`
	Paused    bool `json:"paused"`
}

// Counts reports the current queue depth.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	info, err := q.inspector.GetQueueInfo(QueueName)
	if err != nil {
		return Counts{}, fmt.Errorf("queue info: %w", err)
	}
	return Counts{
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
		Paused:    info.Paused,
	}, nil
}

// Ping verifies the queue backend is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	_, err := q.inspector.Queues()
	return err
}

// Pause stops workers from picking up new batches.
func (q *Queue) Pause(ctx context.Context) error {
	err := q.inspector.PauseQueue(QueueName)
	if err != nil && strings.Contains(err.Error(), "already paused") {
		return nil
	}
	return err
}

// Resume re-enables batch processing.
func (q *Queue) Resume(ctx context.Context) error {
	err := q.inspector.UnpauseQueue(QueueName)
	if err != nil && strings.Contains(err.Error(), "not paused") {
		return nil
	}
	return err
}

// Clean drops completed and dead tasks, returning how many were removed.
// Dead (archived) tasks have exhausted their retries; dropping them is an
// operator decision, not part of normal flow.
func (q *Queue) Clean(ctx context.Context) (int, error) {
	completed, err := q.inspector.DeleteAllCompletedTasks(QueueName)
	if err != nil {
		return 0, fmt.Errorf("delete completed tasks: %w", err)
	}
	archived, err := q.inspector.DeleteAllArchivedTasks(QueueName)
	if err != nil {
		return completed, fmt.Errorf("delete archived tasks: %w", err)
	}
	return completed + archived, nil
}

// PendingBatches counts queued-but-unfinished batch tasks for one campaign
// (pending, active, scheduled, or awaiting retry). The completion check
// uses this to avoid finalizing a campaign with work still in flight.
func (q *Queue) PendingBatches(ctx context.Context, campaignID string) (int, error) {
	prefix := "batch_" + campaignID + "_"
	total := 0
	listers := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		q.inspector.ListPendingTasks,
		q.inspector.ListActiveTasks,
		q.inspector.ListScheduledTasks,
		q.inspector.ListRetryTasks,
	}
	for _, list := range listers {
		page := 1
		for {
			tasks, err := list(QueueName, asynq.PageSize(500), asynq.Page(page))
			if err != nil {
				return 0, fmt.Errorf("list tasks: %w", err)
			}
			for _, t := range tasks {
				if strings.HasPrefix(t.ID, prefix) {
					total++
				}
			}
			if len(tasks) < 500 {
				break
			}
			page++
		}
	}
	return total, nil
}
