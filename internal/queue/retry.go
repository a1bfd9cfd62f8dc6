package queue

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/ignite/campaign-dispatch/internal/provider"
)

const (
	retryBaseDelay = 10 * time.Second
	retryMaxDelay  = 15 * time.Minute
)

// RetryDelay computes the backoff before a failed batch is retried. The
// multiplier depends on why the batch failed: rate-limit rejections back
// off harder than generic service or network faults.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	mult := int64(2)
	if provider.KindOf(err) == provider.KindRateLimit {
		mult = 3
	}

	delay := retryBaseDelay
	for i := 0; i < n; i++ {
		delay = time.Duration(int64(delay) * mult)
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
