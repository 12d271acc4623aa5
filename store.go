package chatvault

import (
	"context"
	"time"
)

// Store abstracts the relational + full-text + vector persistence layer.
// Implementations live in store/postgres (pgvector, tsvector, pg_trgm) and
// store/sqlite (pure Go, brute-force cosine). All write operations that span
// multiple rows are single transactions.
type Store interface {
	// --- Conversations ---

	// ImportConversation inserts the conversation, its messages, and the
	// per-message embedding jobs in one transaction. Message order follows
	// slice order (Seq is assigned by the caller).
	ImportConversation(ctx context.Context, conv Conversation, msgs []Message, jobs []Job) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns conversations newest-first.
	ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error)
	CountConversations(ctx context.Context) (int, error)
	ConversationStats(ctx context.Context) (ConversationStats, error)
	// ImportedOrigins returns one record per conversation that carries an
	// origin id, for duplicate detection on re-import.
	ImportedOrigins(ctx context.Context) ([]OriginRecord, error)
	// DeleteConversation removes a conversation, its messages, and their
	// embeddings (cascade).
	DeleteConversation(ctx context.Context, id string) error
	// ClearAll removes every conversation, message, embedding, and job.
	ClearAll(ctx context.Context) error

	// --- Messages ---

	// GetConversationMessages returns all messages of a conversation ordered
	// by (created_at, seq) ascending.
	GetConversationMessages(ctx context.Context, conversationID string) ([]Message, error)
	// FirstMessage returns the earliest message of a conversation.
	FirstMessage(ctx context.Context, conversationID string) (Message, error)
	// SearchMessagesFTS ranks messages by full-text relevance. Scores are on
	// the backend's native rank scale (not normalised). conversationID ""
	// searches the whole corpus.
	SearchMessagesFTS(ctx context.Context, query string, topK int, conversationID string) ([]ScoredMessage, error)
	// SearchMessagesTrigram performs fuzzy lookup via the trigram index.
	SearchMessagesTrigram(ctx context.Context, query string, topK int) ([]ScoredMessage, error)
	// SearchMessagesVector performs k-NN over message embeddings; scores are
	// cosine similarity in [0,1].
	SearchMessagesVector(ctx context.Context, embedding []float32, topK int) ([]ScoredMessage, error)
	MessageStats(ctx context.Context) (MessageStats, error)

	// --- Embeddings ---

	// UpsertEmbedding writes the embedding for (message, model), replacing
	// any previous vector. It fails permanently if the message is gone.
	UpsertEmbedding(ctx context.Context, emb MessageEmbedding) error
	GetEmbedding(ctx context.Context, messageID, model string) (MessageEmbedding, error)
	// HasEmbeddings reports whether any embedding row exists; auto search
	// mode uses it to pick hybrid vs FTS-only.
	HasEmbeddings(ctx context.Context) (bool, error)
	EmbeddingCoverage(ctx context.Context) (EmbeddingCoverage, error)

	// --- Settings (key-value, last-write-wins) ---

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}

// OriginRecord maps a source archive conversation id to the stored
// conversation and its content hash.
type OriginRecord struct {
	OriginID       string
	ConversationID string
	ContentHash    string
}

// JobQueue is the durable at-least-once queue backing the embedding
// pipeline. Both store implementations satisfy it alongside Store.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// DequeueNext atomically leases the next ready job of one of the given
	// kinds: status=leased, lease owner/expiry set, attempts incremented.
	// Under concurrent dequeues exactly one caller wins a given job. The
	// second return is false when no job is ready.
	DequeueNext(ctx context.Context, kinds []string, leaseDuration time.Duration, owner string) (Job, bool, error)
	// Heartbeat extends the lease of a job still owned by owner.
	Heartbeat(ctx context.Context, jobID, owner string, leaseDuration time.Duration) error
	MarkCompleted(ctx context.Context, jobID, owner string) error
	// MarkFailed records lastError. Permanent failures (or attempts ≥
	// max_attempts) move the job to failed; transient ones return it to
	// pending with available_at pushed out by JobBackoff(attempts).
	MarkFailed(ctx context.Context, jobID, owner, lastError string, permanent bool) error
	PendingJobs(ctx context.Context, limit int) ([]Job, error)
	QueueStats(ctx context.Context) (QueueStats, error)
	// ReclaimExpired returns leased jobs whose lease has lapsed to pending
	// and reports how many were reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)
}
