package worker

import (
	"context"
	"time"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Recoverer sweeps work records whose lock aged past the TTL back to
// pending (or failed, once attempts are exhausted). It runs at worker
// startup and then on a fixed interval, so a crashed worker's claims are
// back in circulation within one lock TTL plus one sweep.
type Recoverer struct {
	workRecords    WorkStore
	lockTTLSeconds int
	maxAttempts    int
	log            *logger.Logger
}

// NewRecoverer wires a Recoverer.
func NewRecoverer(workRecords WorkStore, lockTTL time.Duration, maxAttempts int) *Recoverer {
	return &Recoverer{
		workRecords:    workRecords,
		lockTTLSeconds: int(lockTTL.Seconds()),
		maxAttempts:    maxAttempts,
		log:            logger.With("recovery"),
	}
}

// RunOnce performs a single recovery sweep.
func (r *Recoverer) RunOnce(ctx context.Context) {
	recovered, exhausted, err := r.workRecords.RecoverExpiredLocks(ctx, r.lockTTLSeconds, r.maxAttempts)
	if err != nil {
		r.log.Error("recovering expired locks", "error", err)
		return
	}
	if recovered > 0 || exhausted > 0 {
		r.log.Info("recovered expired locks", "recovered", recovered, "exhausted", exhausted)
	}
}

// Run sweeps immediately, then on every tick until the context is canceled.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration) {
	r.RunOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
