package domain

// Recipient is one fully-rendered message descriptor inside a batch job.
// By the time a recipient reaches the queue, personalization, tracking
// injection, and unsubscribe link generation are complete.
type Recipient struct {
	Email      string  `json:"email"` // normalized
	Subject    string  `json:"subject"`
	HTML       string  `json:"html"`
	From       string  `json:"from"`
	ReplyTo    string  `json:"replyTo,omitempty"`
	CustomerID *string `json:"customerId,omitempty"`
}

// BatchJob is the queue payload: a chunk of up to 100 recipients processed
// sequentially by one worker. ChunkIndex is monotonic within a campaign
// send, so the batch ID batch_{campaignId}_{chunkIndex} is deterministic
// and redriving materialization re-enqueues the same IDs.
type BatchJob struct {
	CampaignID string      `json:"campaignId"`
	ChunkIndex int         `json:"chunkIndex"`
	Recipients []Recipient `json:"recipients"`
}

// MaxBatchRecipients is the fixed width a batch is split into at enqueue
// time. With the default queue profile (8 jobs/s, concurrency 2) this
// bounds throughput at 800 messages/s.
const MaxBatchRecipients = 100
