// Package ingest provides end-to-end archive import: detect → extract →
// deduplicate → store → enqueue embedding jobs. Each conversation commits
// in its own transaction, so one malformed conversation never rolls back
// its siblings.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	chatvault "github.com/chatvault/chatvault"
	"github.com/chatvault/chatvault/extract"
)

// ImportReport summarizes one archive import. Skipped counts exact
// duplicates; SkippedChanged counts known origins whose content hash changed
// (kept untouched, see importOne); SkippedEmpty counts conversations that
// extracted to zero messages.
type ImportReport struct {
	Format         string `json:"format"`
	Imported       int    `json:"imported"`
	Skipped        int    `json:"skipped"`
	SkippedChanged int    `json:"skipped_changed"`
	SkippedEmpty   int    `json:"skipped_empty"`
	Failed         int    `json:"failed"`
}

// AllDuplicates reports whether every conversation in the archive was
// already indexed, whether byte-identical or changed since import.
func (r ImportReport) AllDuplicates() bool {
	return r.Imported == 0 && r.Failed == 0 && r.SkippedEmpty == 0 &&
		r.Skipped+r.SkippedChanged > 0
}

// Importer routes archives through the extractor registry into the store.
type Importer struct {
	store          chatvault.Store
	queue          chatvault.JobQueue
	registry       *extract.Registry
	embeddingModel string
	enqueueJobs    bool
	logger         *slog.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithRegistry replaces the default extractor registry.
func WithRegistry(r *extract.Registry) Option {
	return func(imp *Importer) { imp.registry = r }
}

// WithEmbeddingModel sets the model tag recorded on enqueued embedding jobs.
func WithEmbeddingModel(model string) Option {
	return func(imp *Importer) { imp.embeddingModel = model }
}

// WithoutEmbeddingJobs disables embedding job enqueueing, for FTS-only
// deployments.
func WithoutEmbeddingJobs() Option {
	return func(imp *Importer) { imp.enqueueJobs = false }
}

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(l *slog.Logger) Option {
	return func(imp *Importer) { imp.logger = l }
}

// NewImporter creates an Importer. The queue may be nil when embedding jobs
// are disabled.
func NewImporter(store chatvault.Store, queue chatvault.JobQueue, opts ...Option) *Importer {
	imp := &Importer{
		store:       store,
		queue:       queue,
		registry:    extract.NewRegistry(),
		enqueueJobs: queue != nil,
		logger:      slog.New(chatvault.DiscardHandler),
	}
	for _, o := range opts {
		o(imp)
	}
	return imp
}

// ImportArchive detects the format of a raw JSON archive and imports every
// conversation in it. Conversations already indexed (same origin id and
// content hash) are skipped; a changed conversation under a known origin id
// is also skipped, with its own counter and log reason, and the stored copy
// stays untouched. Per-conversation failures are counted and logged but do
// not abort the rest of the archive.
func (imp *Importer) ImportArchive(ctx context.Context, raw []byte) (ImportReport, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ImportReport{}, fmt.Errorf("decode archive: %w", err)
	}

	list, format, err := imp.registry.DetectFormat(decoded)
	if err != nil {
		return ImportReport{}, err
	}
	extractor, ok := imp.registry.Lookup(format)
	if !ok {
		return ImportReport{}, fmt.Errorf("no extractor for detected format %q", format)
	}

	guard, err := imp.loadGuard(ctx)
	if err != nil {
		return ImportReport{}, err
	}

	report := ImportReport{Format: format}
	for i, native := range list {
		conv, err := extractor.Extract(native)
		if err != nil {
			report.Failed++
			imp.logger.Warn("extract conversation failed", "format", format, "index", i, "error", err)
			continue
		}
		imp.importOne(ctx, conv, guard, &report)
	}
	imp.logger.Info("archive imported",
		"format", format,
		"imported", report.Imported,
		"skipped", report.Skipped,
		"skipped_changed", report.SkippedChanged,
		"skipped_empty", report.SkippedEmpty,
		"failed", report.Failed)
	return report, nil
}

// ImportFile imports an uploaded file. JSON routes through format
// auto-detection; other extensions route to the matching file-based
// extractor (DOCX, PDF).
func (imp *Importer) ImportFile(ctx context.Context, data []byte, filename string) (ImportReport, error) {
	if strings.HasSuffix(strings.ToLower(filename), ".json") {
		return imp.ImportArchive(ctx, data)
	}

	conv, format, err := imp.registry.ExtractFile(data, filename)
	if err != nil {
		return ImportReport{}, err
	}
	guard, err := imp.loadGuard(ctx)
	if err != nil {
		return ImportReport{}, err
	}
	report := ImportReport{Format: format}
	imp.importOne(ctx, conv, guard, &report)
	return report, nil
}

// guard indexes previously imported conversations by origin id.
type guard map[string]chatvault.OriginRecord

func (imp *Importer) loadGuard(ctx context.Context) (guard, error) {
	records, err := imp.store.ImportedOrigins(ctx)
	if err != nil {
		return nil, fmt.Errorf("load imported origins: %w", err)
	}
	g := make(guard, len(records))
	for _, rec := range records {
		g[rec.OriginID] = rec
	}
	return g, nil
}

// importOne stores a single extracted conversation, updating the report and
// the guard. A known origin id with a changed content hash is skipped and
// the stored conversation left untouched; merge or replace semantics need a
// message-level identity the source archives do not provide.
func (imp *Importer) importOne(ctx context.Context, ec extract.Conversation, g guard, report *ImportReport) {
	if len(ec.Messages) == 0 {
		report.SkippedEmpty++
		return
	}

	hash := contentHash(ec.Messages)
	if prev, ok := g[ec.OriginID]; ok && ec.OriginID != "" {
		if prev.ContentHash == hash {
			report.Skipped++
			return
		}
		report.SkippedChanged++
		imp.logger.Warn("skipping: changed content, not yet supported",
			"origin_id", ec.OriginID, "conversation_id", prev.ConversationID)
		return
	}

	conv, msgs := imp.build(ec, hash)
	jobs := imp.jobsFor(conv, msgs)
	if err := imp.store.ImportConversation(ctx, conv, msgs, jobs); err != nil {
		report.Failed++
		imp.logger.Warn("import conversation failed",
			"origin_id", ec.OriginID, "title", conv.Title, "error", err)
		return
	}
	g[ec.OriginID] = chatvault.OriginRecord{
		OriginID:       ec.OriginID,
		ConversationID: conv.ID,
		ContentHash:    hash,
	}
	report.Imported++
}

// build converts an extracted conversation into storable records. Message
// timestamps fall back to the conversation-level candidates, then to the
// import time; the conversation's created/updated range derives from its
// messages.
func (imp *Importer) build(ec extract.Conversation, hash string) (chatvault.Conversation, []chatvault.Message) {
	now := chatvault.NowUnix()

	fallback := int64(0)
	for _, ts := range ec.Timestamps {
		if ts > 0 && (fallback == 0 || ts < fallback) {
			fallback = ts
		}
	}
	if fallback == 0 {
		fallback = now
	}

	convID := chatvault.NewID()
	earliest, latest := int64(0), int64(0)
	msgs := make([]chatvault.Message, 0, len(ec.Messages))
	for i, em := range ec.Messages {
		ts := em.Timestamp
		if ts == 0 {
			ts = fallback
		}
		if earliest == 0 || ts < earliest {
			earliest = ts
		}
		if ts > latest {
			latest = ts
		}

		meta := em.Meta
		if meta == nil {
			meta = &chatvault.MessageMeta{}
		}
		meta.Source = ec.Format
		meta.OriginConversationID = ec.OriginID
		meta.Attachments = em.Attachments

		msgs = append(msgs, chatvault.Message{
			ID:             chatvault.NewID(),
			ConversationID: convID,
			Role:           em.Role,
			Content:        em.Content,
			Seq:            i,
			Meta:           meta,
			CreatedAt:      ts,
		})
	}

	title := strings.TrimSpace(ec.Title)
	if title == "" {
		title = "Untitled conversation"
	}
	conv := chatvault.Conversation{
		ID:          convID,
		Title:       title,
		Source:      ec.Format,
		OriginID:    ec.OriginID,
		ContentHash: hash,
		CreatedAt:   earliest,
		UpdatedAt:   latest,
	}
	return conv, msgs
}

// jobsFor enqueues one embedding job per non-empty message.
func (imp *Importer) jobsFor(conv chatvault.Conversation, msgs []chatvault.Message) []chatvault.Job {
	if !imp.enqueueJobs {
		return nil
	}
	jobs := make([]chatvault.Job, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		jobs = append(jobs, chatvault.NewEmbeddingJob(chatvault.EmbeddingPayload{
			MessageID:      m.ID,
			ConversationID: conv.ID,
			Content:        m.Content,
			Model:          imp.embeddingModel,
		}))
	}
	return jobs
}

// contentHash fingerprints a conversation's extracted content: the SHA-256
// of its trimmed message bodies joined by newlines. Stable across re-exports
// that only shuffle metadata.
func contentHash(msgs []extract.Message) string {
	h := sha256.New()
	for i, m := range msgs {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(strings.TrimSpace(m.Content)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
