// Package postgres implements chatvault.Store and chatvault.JobQueue using
// PostgreSQL: pgvector for native vector similarity search (HNSW, cosine),
// tsvector for ranked full-text search, and pg_trgm for fuzzy lookup.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	chatvault "github.com/chatvault/chatvault"
)

// Store implements chatvault.Store backed by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 768, 1536).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter, applied during Init.
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ chatvault.Store = (*Store)(nil)
var _ chatvault.JobQueue = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the extensions, tables, and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			origin_id TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_origin_idx ON conversations(origin_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS messages_fts_idx ON messages USING gin(to_tsvector('english', content))`,
		`CREATE INDEX IF NOT EXISTS messages_trgm_idx ON messages USING gin(content gin_trgm_ops)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			embedding %s NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, model)
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS message_embeddings_hnsw_idx
			ON message_embeddings USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			available_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_ready_idx ON jobs(status, available_at)`,
		`CREATE INDEX IF NOT EXISTS jobs_lease_idx ON jobs(status, lease_expires_at)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	return nil
}

// --- Conversations ---

// ImportConversation inserts the conversation, its messages, and the
// embedding jobs in one transaction.
func (s *Store) ImportConversation(ctx context.Context, conv chatvault.Conversation, msgs []chatvault.Message, jobs []chatvault.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, title, source, origin_id, content_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conv.ID, conv.Title, conv.Source, conv.OriginID, conv.ContentHash, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert conversation: %w", err)
	}

	for _, m := range msgs {
		metaJSON, err := marshalMeta(m.Meta)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, seq, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
			m.ID, m.ConversationID, m.Role, m.Content, m.Seq, metaJSON, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}
	}

	for _, j := range jobs {
		if err := insertJob(ctx, tx, j); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (chatvault.Conversation, error) {
	var c chatvault.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, source, origin_id, content_hash, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.Source, &c.OriginID, &c.ContentHash, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatvault.Conversation{}, chatvault.ErrNotFound
	}
	if err != nil {
		return chatvault.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations newest-first.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]chatvault.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, source, origin_id, content_hash, created_at, updated_at
		 FROM conversations
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var out []chatvault.Conversation
	for rows.Next() {
		var c chatvault.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Source, &c.OriginID, &c.ContentHash, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConversations returns the conversation count.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count conversations: %w", err)
	}
	return n, nil
}

// ConversationStats returns totals, per-source counts, and recency windows.
func (s *Store) ConversationStats(ctx context.Context) (chatvault.ConversationStats, error) {
	stats := chatvault.ConversationStats{BySource: map[string]int{}}
	now := chatvault.NowUnix()
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE updated_at >= $1),
		        COUNT(*) FILTER (WHERE updated_at >= $2)
		 FROM conversations`, now-86400, now-7*86400,
	).Scan(&stats.Total, &stats.Last24h, &stats.Last7d)
	if err != nil {
		return stats, fmt.Errorf("postgres: conversation stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT source, COUNT(*) FROM conversations GROUP BY source`)
	if err != nil {
		return stats, fmt.Errorf("postgres: conversation stats by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return stats, fmt.Errorf("postgres: scan source count: %w", err)
		}
		stats.BySource[source] = n
	}
	return stats, rows.Err()
}

// ImportedOrigins returns one record per conversation carrying an origin id.
func (s *Store) ImportedOrigins(ctx context.Context) ([]chatvault.OriginRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT origin_id, id, content_hash FROM conversations WHERE origin_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("postgres: imported origins: %w", err)
	}
	defer rows.Close()

	var out []chatvault.OriginRecord
	for rows.Next() {
		var rec chatvault.OriginRecord
		if err := rows.Scan(&rec.OriginID, &rec.ConversationID, &rec.ContentHash); err != nil {
			return nil, fmt.Errorf("postgres: scan origin: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; messages and embeddings cascade
// through the foreign keys. Still-queued embedding jobs for it are dropped.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`DELETE FROM jobs WHERE kind = 'generate_embedding' AND status IN ('pending','leased')
		   AND payload->>'conversation_id' = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation jobs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ClearAll removes every conversation, message, embedding, and job.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE conversations, messages, message_embeddings, jobs`)
	if err != nil {
		return fmt.Errorf("postgres: clear all: %w", err)
	}
	return nil
}

// --- Messages ---

// GetConversationMessages returns all messages of a conversation ordered by
// (created_at, seq) ascending.
func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]chatvault.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, seq, metadata, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get conversation messages: %w", err)
	}
	defer rows.Close()

	var out []chatvault.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FirstMessage returns the earliest message of a conversation.
func (s *Store) FirstMessage(ctx context.Context, conversationID string) (chatvault.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, role, content, seq, metadata, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, seq ASC
		 LIMIT 1`, conversationID)
	m, err := scanMessageRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatvault.Message{}, chatvault.ErrNotFound
	}
	return m, err
}

// SearchMessagesFTS ranks messages with ts_rank over an english tsvector.
// conversationID "" searches the whole corpus.
func (s *Store) SearchMessagesFTS(ctx context.Context, query string, topK int, conversationID string) ([]chatvault.ScoredMessage, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}
	q := `SELECT m.id, m.conversation_id, m.role, m.content, m.seq, m.metadata, m.created_at,
	             c.title,
	             ts_rank(to_tsvector('english', m.content), plainto_tsquery('english', $1)) AS score
	      FROM messages m
	      JOIN conversations c ON c.id = m.conversation_id
	      WHERE to_tsvector('english', m.content) @@ plainto_tsquery('english', $1)`
	args := []any{query}
	if conversationID != "" {
		q += ` AND m.conversation_id = $3`
	}
	q += ` ORDER BY score DESC LIMIT $2`
	args = append(args, topK)
	if conversationID != "" {
		args = append(args, conversationID)
	}

	return s.scanScored(ctx, q, args...)
}

// SearchMessagesTrigram performs fuzzy lookup via pg_trgm similarity.
func (s *Store) SearchMessagesTrigram(ctx context.Context, query string, topK int) ([]chatvault.ScoredMessage, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}
	return s.scanScored(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.seq, m.metadata, m.created_at,
		        c.title,
		        similarity(m.content, $1) AS score
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.content % $1
		 ORDER BY score DESC
		 LIMIT $2`, query, topK)
}

// SearchMessagesVector performs k-NN over message embeddings using
// pgvector's cosine distance operator with the HNSW index.
func (s *Store) SearchMessagesVector(ctx context.Context, embedding []float32, topK int) ([]chatvault.ScoredMessage, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}
	embStr := serializeEmbedding(embedding)
	return s.scanScored(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.seq, m.metadata, m.created_at,
		        c.title,
		        GREATEST(1 - (e.embedding <=> $1::vector), 0) AS score
		 FROM message_embeddings e
		 JOIN messages m ON m.id = e.message_id
		 JOIN conversations c ON c.id = m.conversation_id
		 ORDER BY e.embedding <=> $1::vector
		 LIMIT $2`, embStr, topK)
}

// MessageStats returns totals, per-role counts, embedding coverage, and the
// 24h window.
func (s *Store) MessageStats(ctx context.Context) (chatvault.MessageStats, error) {
	stats := chatvault.MessageStats{ByRole: map[string]int{}}
	now := chatvault.NowUnix()
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE created_at >= $1) FROM messages`, now-86400,
	).Scan(&stats.Total, &stats.Last24h)
	if err != nil {
		return stats, fmt.Errorf("postgres: message stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT role, COUNT(*) FROM messages GROUP BY role`)
	if err != nil {
		return stats, fmt.Errorf("postgres: message stats by role: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return stats, fmt.Errorf("postgres: scan role count: %w", err)
		}
		stats.ByRole[role] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	cov, err := s.EmbeddingCoverage(ctx)
	if err != nil {
		return stats, err
	}
	stats.CoveragePct = cov.Pct()
	return stats, nil
}

// --- Embeddings ---

// UpsertEmbedding writes the embedding for (message, model). The foreign key
// makes a write against a deleted message fail permanently.
func (s *Store) UpsertEmbedding(ctx context.Context, emb chatvault.MessageEmbedding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_embeddings (message_id, model, embedding, created_at)
		 VALUES ($1, $2, $3::vector, $4)
		 ON CONFLICT (message_id, model) DO UPDATE SET
		   embedding = EXCLUDED.embedding,
		   created_at = EXCLUDED.created_at`,
		emb.MessageID, emb.Model, serializeEmbedding(emb.Vector), emb.CreatedAt)
	if err != nil {
		// 23503 is foreign_key_violation: the message is gone, do not retry.
		transient := !strings.Contains(err.Error(), "23503")
		return &chatvault.ErrStore{Op: "upsert embedding", Err: err, Transient: transient}
	}
	return nil
}

// GetEmbedding fetches the embedding for (message, model).
func (s *Store) GetEmbedding(ctx context.Context, messageID, model string) (chatvault.MessageEmbedding, error) {
	var emb chatvault.MessageEmbedding
	var embStr string
	err := s.pool.QueryRow(ctx,
		`SELECT message_id, model, embedding::text, created_at
		 FROM message_embeddings WHERE message_id = $1 AND model = $2`, messageID, model,
	).Scan(&emb.MessageID, &emb.Model, &embStr, &emb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatvault.MessageEmbedding{}, chatvault.ErrNotFound
	}
	if err != nil {
		return chatvault.MessageEmbedding{}, fmt.Errorf("postgres: get embedding: %w", err)
	}
	emb.Vector, err = deserializeEmbedding(embStr)
	if err != nil {
		return chatvault.MessageEmbedding{}, fmt.Errorf("postgres: decode embedding: %w", err)
	}
	return emb, nil
}

// HasEmbeddings reports whether any embedding row exists.
func (s *Store) HasEmbeddings(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM message_embeddings)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: has embeddings: %w", err)
	}
	return exists, nil
}

// EmbeddingCoverage counts messages with at least one embedding row.
func (s *Store) EmbeddingCoverage(ctx context.Context) (chatvault.EmbeddingCoverage, error) {
	var cov chatvault.EmbeddingCoverage
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM messages),
		        (SELECT COUNT(DISTINCT message_id) FROM message_embeddings)`,
	).Scan(&cov.Messages, &cov.Embedded)
	if err != nil {
		return cov, fmt.Errorf("postgres: embedding coverage: %w", err)
	}
	return cov, nil
}

// --- Settings ---

// GetSetting returns the value for key, ErrNotFound when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", chatvault.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a key-value pair, last write wins.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("postgres: set setting: %w", err)
	}
	return nil
}

// AllSettings returns every key-value pair.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("postgres: all settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows pgx.Rows) (chatvault.Message, error) {
	return scanMessageRow(rows)
}

func scanMessageRow(row rowScanner) (chatvault.Message, error) {
	var m chatvault.Message
	var metaJSON []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &metaJSON, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("postgres: scan message: %w", err)
	}
	unmarshalMeta(metaJSON, &m)
	return m, nil
}

func (s *Store) scanScored(ctx context.Context, query string, args ...any) ([]chatvault.ScoredMessage, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search: %w", err)
	}
	defer rows.Close()

	var out []chatvault.ScoredMessage
	for rows.Next() {
		var m chatvault.Message
		var metaJSON []byte
		var title string
		var score float64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &metaJSON, &m.CreatedAt, &title, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan scored message: %w", err)
		}
		unmarshalMeta(metaJSON, &m)
		out = append(out, chatvault.ScoredMessage{Message: m, ConversationTitle: title, Score: float32(score)})
	}
	return out, rows.Err()
}

func marshalMeta(meta *chatvault.MessageMeta) (*string, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	v := string(data)
	return &v, nil
}

func unmarshalMeta(metaJSON []byte, m *chatvault.Message) {
	if len(metaJSON) > 0 {
		var meta chatvault.MessageMeta
		if json.Unmarshal(metaJSON, &meta) == nil {
			m.Meta = &meta
		}
	}
}

// serializeEmbedding converts []float32 to pgvector's text format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// deserializeEmbedding parses pgvector's "[0.1,0.2]" text format.
func deserializeEmbedding(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse embedding component %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}
