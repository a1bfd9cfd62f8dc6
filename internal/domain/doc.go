// Package domain holds the core entities of the dispatch engine: campaigns,
// per-recipient work records, delivery events, suppression state, and the
// batch job payloads that flow through the queue.
//
// Types here carry no behavior beyond small invariant helpers; persistence
// lives in internal/repository and orchestration in internal/worker.
package domain
