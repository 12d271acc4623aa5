package chatvault

import (
	"encoding/json"
	"math/rand"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobLeased    = "leased"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobKindEmbedding is the job kind enqueued once per imported message.
const JobKindEmbedding = "generate_embedding"

// DefaultMaxAttempts is applied when a Job is enqueued with MaxAttempts 0.
const DefaultMaxAttempts = 5

// Job is a durable unit of async work with at-least-once delivery.
// A job is leased by at most one worker at a time; an expired lease makes it
// reclaimable. AvailableAt orders pending jobs (FIFO by availability, not by
// enqueue time, because retry backoff pushes AvailableAt forward).
type Job struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt int64           `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	AvailableAt    int64           `json:"available_at"`
}

// EmbeddingPayload is the payload of a JobKindEmbedding job. Content is
// carried in the payload so the worker embeds without re-reading the message
// row; the upsert still fails permanently if the message was deleted.
type EmbeddingPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Model          string `json:"model"`
}

// NewEmbeddingJob builds a pending generate_embedding job for a message.
func NewEmbeddingJob(p EmbeddingPayload) Job {
	data, _ := json.Marshal(p)
	now := NowUnix()
	return Job{
		ID:          NewID(),
		Kind:        JobKindEmbedding,
		Payload:     data,
		Status:      JobPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		AvailableAt: now,
	}
}

// Backoff bounds.
const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// JobBackoff returns the requeue delay after the given attempt count:
// exponential with ±25% jitter, capped at five minutes.
func JobBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase << (attempts - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d*3/4 + jitter
}

// QueueStats is the per-status breakdown of the job table.
type QueueStats struct {
	Pending   int `json:"pending"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
