// Package sqlite implements chatvault.Store and chatvault.JobQueue using
// pure-Go SQLite with in-process brute-force vector search. Zero CGO
// required. Full-text and fuzzy search run on FTS5 (unicode and trigram
// tokenizers).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	chatvault "github.com/chatvault/chatvault"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When unset no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chatvault.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done in-process
// using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chatvault.Store = (*Store)(nil)
var _ chatvault.JobQueue = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections. That
// same serialization makes DequeueNext atomic without row locks.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(chatvault.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			origin_id TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, model)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			available_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_origin ON conversations(origin_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, available_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// FTS5 indexes over message content: word-level for ranked full-text
	// search, trigram-level for fuzzy substring lookup.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, content)`); err != nil {
		return fmt.Errorf("create fts index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_trgm USING fts5(message_id UNINDEXED, content, tokenize='trigram')`); err != nil {
		return fmt.Errorf("create trigram index: %w", err)
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Conversations ---

// ImportConversation inserts the conversation, its messages, their FTS rows,
// and the embedding jobs in one transaction.
func (s *Store) ImportConversation(ctx context.Context, conv chatvault.Conversation, msgs []chatvault.Message, jobs []chatvault.Job) error {
	start := time.Now()
	s.logger.Debug("sqlite: import conversation", "id", conv.ID, "title", conv.Title, "messages", len(msgs), "jobs", len(jobs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, source, origin_id, content_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Source, conv.OriginID, conv.ContentHash, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert conversation failed", "id", conv.ID, "error", err)
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, m := range msgs {
		metaJSON, err := marshalMeta(m.Meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, seq, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Role, m.Content, m.Seq, metaJSON, m.CreatedAt,
		)
		if err != nil {
			s.logger.Error("sqlite: insert message failed", "id", m.ID, "error", err)
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages_fts (message_id, content) VALUES (?, ?)`, m.ID, m.Content); err != nil {
			return fmt.Errorf("insert message fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages_trgm (message_id, content) VALUES (?, ?)`, m.ID, m.Content); err != nil {
			return fmt.Errorf("insert message trigram: %w", err)
		}
	}

	for _, j := range jobs {
		if err := insertJob(ctx, tx, j); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: import conversation commit failed", "id", conv.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: import conversation ok", "id", conv.ID, "duration", time.Since(start))
	return nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (chatvault.Conversation, error) {
	var c chatvault.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, origin_id, content_hash, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.Source, &c.OriginID, &c.ContentHash, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chatvault.Conversation{}, chatvault.ErrNotFound
	}
	if err != nil {
		return chatvault.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations newest-first.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]chatvault.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, source, origin_id, content_hash, created_at, updated_at
		 FROM conversations
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []chatvault.Conversation
	for rows.Next() {
		var c chatvault.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Source, &c.OriginID, &c.ContentHash, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConversations returns the conversation count.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// ConversationStats returns totals, per-source counts, and recency windows.
func (s *Store) ConversationStats(ctx context.Context) (chatvault.ConversationStats, error) {
	stats := chatvault.ConversationStats{BySource: map[string]int{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&stats.Total); err != nil {
		return stats, fmt.Errorf("conversation stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM conversations GROUP BY source`)
	if err != nil {
		return stats, fmt.Errorf("conversation stats by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return stats, fmt.Errorf("scan source count: %w", err)
		}
		stats.BySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	now := chatvault.NowUnix()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE updated_at >= ?`, now-86400).Scan(&stats.Last24h); err != nil {
		return stats, fmt.Errorf("conversation stats 24h: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE updated_at >= ?`, now-7*86400).Scan(&stats.Last7d); err != nil {
		return stats, fmt.Errorf("conversation stats 7d: %w", err)
	}
	return stats, nil
}

// ImportedOrigins returns one record per conversation carrying an origin id.
func (s *Store) ImportedOrigins(ctx context.Context) ([]chatvault.OriginRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT origin_id, id, content_hash FROM conversations WHERE origin_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("imported origins: %w", err)
	}
	defer rows.Close()

	var out []chatvault.OriginRecord
	for rows.Next() {
		var rec chatvault.OriginRecord
		if err := rows.Scan(&rec.OriginID, &rec.ConversationID, &rec.ContentHash); err != nil {
			return nil, fmt.Errorf("scan origin: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation, its messages, their embeddings,
// FTS rows, and any still-queued embedding jobs for it.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete conversation", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	steps := []string{
		`DELETE FROM message_embeddings WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM messages_fts WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM messages_trgm WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM jobs WHERE kind = 'generate_embedding' AND status IN ('pending','leased')
		   AND json_extract(payload, '$.conversation_id') = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			s.logger.Error("sqlite: delete conversation failed", "id", id, "error", err)
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete conversation ok", "id", id, "duration", time.Since(start))
	return nil
}

// ClearAll removes every conversation, message, embedding, FTS row, and job.
func (s *Store) ClearAll(ctx context.Context) error {
	s.logger.Debug("sqlite: clear all")
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"message_embeddings", "messages_fts", "messages_trgm", "messages", "jobs", "conversations"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Messages ---

const messageColumns = `id, conversation_id, role, content, seq, metadata, created_at`

// GetConversationMessages returns all messages of a conversation ordered by
// (created_at, seq) ascending.
func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]chatvault.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation messages: %w", err)
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, seq ASC
		 LIMIT 1`, conversationID)
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chatvault.Message{}, chatvault.ErrNotFound
	}
	return m, err
}

// SearchMessagesFTS ranks messages by FTS5 bm25 relevance (negated so higher
// is better). conversationID "" searches the whole corpus.
func (s *Store) SearchMessagesFTS(ctx context.Context, query string, topK int, conversationID string) ([]chatvault.ScoredMessage, error) {
	start := time.Now()
	match := ftsMatchExpr(query)
	if match == "" || topK <= 0 {
		return nil, nil
	}

	q := `SELECT m.id, m.conversation_id, m.role, m.content, m.seq, m.metadata, m.created_at,
	             c.title, -bm25(messages_fts) AS rank
	      FROM messages_fts
	      JOIN messages m ON m.id = messages_fts.message_id
	      JOIN conversations c ON c.id = m.conversation_id
	      WHERE messages_fts MATCH ?`
	args := []any{match}
	if conversationID != "" {
		q += ` AND m.conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY rank DESC LIMIT ?`
	args = append(args, topK)

	results, err := s.scanScored(ctx, q, args...)
	if err != nil {
		s.logger.Error("sqlite: fts search failed", "query", query, "error", err)
		return nil, fmt.Errorf("fts search: %w", err)
	}
	s.logger.Debug("sqlite: fts search ok", "query", query, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchMessagesTrigram performs fuzzy substring lookup via the trigram
// FTS5 index. Queries shorter than three runes cannot form a trigram and
// return no results.
func (s *Store) SearchMessagesTrigram(ctx context.Context, query string, topK int) ([]chatvault.ScoredMessage, error) {
	start := time.Now()
	trimmed := strings.TrimSpace(query)
	if len([]rune(trimmed)) < 3 || topK <= 0 {
		return nil, nil
	}

	results, err := s.scanScored(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.seq, m.metadata, m.created_at,
		        c.title, -bm25(messages_trgm) AS rank
		 FROM messages_trgm
		 JOIN messages m ON m.id = messages_trgm.message_id
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE messages_trgm MATCH ?
		 ORDER BY rank DESC
		 LIMIT ?`, quoteFTS(trimmed), topK)
	if err != nil {
		s.logger.Error("sqlite: trigram search failed", "query", query, "error", err)
		return nil, fmt.Errorf("trigram search: %w", err)
	}
	s.logger.Debug("sqlite: trigram search ok", "query", query, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchMessagesVector performs brute-force cosine similarity over stored
// embeddings. Scores are cosine similarity clamped to [0,1].
func (s *Store) SearchMessagesVector(ctx context.Context, embedding []float32, topK int) ([]chatvault.ScoredMessage, error) {
	start := time.Now()
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.seq, m.metadata, m.created_at,
		        c.title, e.embedding
		 FROM message_embeddings e
		 JOIN messages m ON m.id = e.message_id
		 JOIN conversations c ON c.id = m.conversation_id`)
	if err != nil {
		s.logger.Error("sqlite: vector search failed", "error", err)
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []chatvault.ScoredMessage
	scanned := 0
	for rows.Next() {
		var m chatvault.Message
		var metaJSON sql.NullString
		var title, embJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &metaJSON, &m.CreatedAt, &title, &embJSON); err != nil {
			return nil, fmt.Errorf("scan embedded message: %w", err)
		}
		scanned++
		unmarshalMeta(metaJSON, &m)
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		sim := cosineSimilarity(embedding, stored)
		if sim < 0 {
			sim = 0
		}
		results = append(results, chatvault.ScoredMessage{Message: m, ConversationTitle: title, Score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: vector search ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// MessageStats returns totals, per-role counts, embedding coverage, and the
// 24h window.
func (s *Store) MessageStats(ctx context.Context) (chatvault.MessageStats, error) {
	stats := chatvault.MessageStats{ByRole: map[string]int{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.Total); err != nil {
		return stats, fmt.Errorf("message stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM messages GROUP BY role`)
	if err != nil {
		return stats, fmt.Errorf("message stats by role: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return stats, fmt.Errorf("scan role count: %w", err)
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

	now := chatvault.NowUnix()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE created_at >= ?`, now-86400).Scan(&stats.Last24h); err != nil {
		return stats, fmt.Errorf("message stats 24h: %w", err)
	}
	return stats, nil
}

// --- Embeddings ---

// UpsertEmbedding writes the embedding for (message, model). Fails with a
// permanent store error when the message no longer exists. The existence
// check and the insert share one transaction so a concurrent conversation
// delete cannot leave an orphaned embedding row between them.
func (s *Store) UpsertEmbedding(ctx context.Context, emb chatvault.MessageEmbedding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &chatvault.ErrStore{Op: "upsert embedding", Err: err, Transient: true}
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, emb.MessageID).Scan(&exists)
	if err != nil {
		return &chatvault.ErrStore{Op: "upsert embedding", Err: err, Transient: true}
	}
	if exists == 0 {
		return &chatvault.ErrStore{Op: "upsert embedding", Err: chatvault.ErrNotFound}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_embeddings (message_id, model, embedding, created_at)
		 VALUES (?, ?, ?, ?)`,
		emb.MessageID, emb.Model, serializeEmbedding(emb.Vector), emb.CreatedAt)
	if err != nil {
		return &chatvault.ErrStore{Op: "upsert embedding", Err: err, Transient: true}
	}
	if err := tx.Commit(); err != nil {
		return &chatvault.ErrStore{Op: "upsert embedding", Err: err, Transient: true}
	}
	return nil
}

// GetEmbedding fetches the embedding for (message, model).
func (s *Store) GetEmbedding(ctx context.Context, messageID, model string) (chatvault.MessageEmbedding, error) {
	var emb chatvault.MessageEmbedding
	var embJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, model, embedding, created_at
		 FROM message_embeddings WHERE message_id = ? AND model = ?`, messageID, model,
	).Scan(&emb.MessageID, &emb.Model, &embJSON, &emb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chatvault.MessageEmbedding{}, chatvault.ErrNotFound
	}
	if err != nil {
		return chatvault.MessageEmbedding{}, fmt.Errorf("get embedding: %w", err)
	}
	emb.Vector, err = deserializeEmbedding(embJSON)
	if err != nil {
		return chatvault.MessageEmbedding{}, fmt.Errorf("decode embedding: %w", err)
	}
	return emb, nil
}

// HasEmbeddings reports whether any embedding row exists.
func (s *Store) HasEmbeddings(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM message_embeddings LIMIT 1)`).Scan(&n); err != nil {
		return false, fmt.Errorf("has embeddings: %w", err)
	}
	return n > 0, nil
}

// EmbeddingCoverage counts messages with at least one embedding row.
func (s *Store) EmbeddingCoverage(ctx context.Context) (chatvault.EmbeddingCoverage, error) {
	var cov chatvault.EmbeddingCoverage
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&cov.Messages); err != nil {
		return cov, fmt.Errorf("embedding coverage: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT message_id) FROM message_embeddings`).Scan(&cov.Embedded); err != nil {
		return cov, fmt.Errorf("embedding coverage: %w", err)
	}
	return cov, nil
}

// --- Settings ---

// GetSetting returns the value for key, ErrNotFound when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chatvault.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a key-value pair, last write wins.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// AllSettings returns every key-value pair.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("all settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows *sql.Rows) (chatvault.Message, error) {
	return scanMessageRow(rows)
}

func scanMessageRow(row rowScanner) (chatvault.Message, error) {
	var m chatvault.Message
	var metaJSON sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &metaJSON, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan message: %w", err)
	}
	unmarshalMeta(metaJSON, &m)
	return m, nil
}

func (s *Store) scanScored(ctx context.Context, query string, args ...any) ([]chatvault.ScoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatvault.ScoredMessage
	for rows.Next() {
		var m chatvault.Message
		var metaJSON sql.NullString
		var title string
		var score float64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &metaJSON, &m.CreatedAt, &title, &score); err != nil {
			return nil, fmt.Errorf("scan scored message: %w", err)
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

func unmarshalMeta(metaJSON sql.NullString, m *chatvault.Message) {
	if metaJSON.Valid && metaJSON.String != "" {
		var meta chatvault.MessageMeta
		if json.Unmarshal([]byte(metaJSON.String), &meta) == nil {
			m.Meta = &meta
		}
	}
}

// ftsMatchExpr builds an FTS5 MATCH expression from free text: each token
// quoted (so query punctuation never reaches the FTS5 parser), joined by
// implicit AND.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteFTS(f)
	}
	return strings.Join(quoted, " ")
}

func quoteFTS(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
