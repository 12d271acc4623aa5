// Package worker runs the async embedding pipeline: it leases embedding
// jobs from the durable queue in batches, embeds their contents with one
// provider call per batch, and upserts the vectors. Delivery is
// at-least-once; a crashed worker's leases are recovered by the Reclaimer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	chatvault "github.com/chatvault/chatvault"
)

// Defaults for the embedding worker.
const (
	DefaultBatchSize     = 16
	DefaultPollInterval  = 2 * time.Second
	DefaultLeaseDuration = time.Minute
)

// EmbeddingWorker drains generate_embedding jobs.
type EmbeddingWorker struct {
	store    chatvault.Store
	queue    chatvault.JobQueue
	embedder chatvault.EmbeddingProvider

	owner         string
	batchSize     int
	pollInterval  time.Duration
	leaseDuration time.Duration
	logger        *slog.Logger

	processed  atomic.Int64
	failed     atomic.Int64
	lastActive atomic.Int64
}

// Option configures an EmbeddingWorker.
type Option func(*EmbeddingWorker)

// WithBatchSize sets how many jobs are leased and embedded per provider
// call.
func WithBatchSize(n int) Option {
	return func(w *EmbeddingWorker) { w.batchSize = n }
}

// WithPollInterval sets the idle sleep between polls of an empty queue.
func WithPollInterval(d time.Duration) Option {
	return func(w *EmbeddingWorker) { w.pollInterval = d }
}

// WithLeaseDuration sets the job lease length. It should comfortably exceed
// one batch embed round-trip.
func WithLeaseDuration(d time.Duration) Option {
	return func(w *EmbeddingWorker) { w.leaseDuration = d }
}

// WithOwner overrides the generated lease owner id.
func WithOwner(owner string) Option {
	return func(w *EmbeddingWorker) { w.owner = owner }
}

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(l *slog.Logger) Option {
	return func(w *EmbeddingWorker) { w.logger = l }
}

// New creates an EmbeddingWorker.
func New(store chatvault.Store, queue chatvault.JobQueue, embedder chatvault.EmbeddingProvider, opts ...Option) *EmbeddingWorker {
	w := &EmbeddingWorker{
		store:         store,
		queue:         queue,
		embedder:      embedder,
		owner:         "worker-" + chatvault.NewID(),
		batchSize:     DefaultBatchSize,
		pollInterval:  DefaultPollInterval,
		leaseDuration: DefaultLeaseDuration,
		logger:        slog.New(chatvault.DiscardHandler),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run processes batches until ctx is cancelled. An empty queue is polled at
// the configured interval. Run never returns a non-ctx error: batch
// failures are recorded on the jobs and retried by the queue.
func (w *EmbeddingWorker) Run(ctx context.Context) error {
	w.logger.Info("embedding worker started", "owner", w.owner, "batch_size", w.batchSize, "model", w.embedder.Name())
	for {
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("embedding worker stopped", "owner", w.owner, "processed", w.Processed())
				return ctx.Err()
			}
			w.logger.Error("batch failed", "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("embedding worker stopped", "owner", w.owner, "processed", w.Processed())
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessBatch leases up to batchSize ready jobs, embeds their contents in
// one provider call, and upserts the vectors. Returns how many jobs were
// leased. Jobs with undecodable payloads fail permanently without wasting a
// provider call.
func (w *EmbeddingWorker) ProcessBatch(ctx context.Context) (int, error) {
	type leased struct {
		job     chatvault.Job
		payload chatvault.EmbeddingPayload
	}
	var batch []leased

	for len(batch) < w.batchSize {
		job, ok, err := w.queue.DequeueNext(ctx, []string{chatvault.JobKindEmbedding}, w.leaseDuration, w.owner)
		if err != nil {
			return len(batch), fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			break
		}
		w.lastActive.Store(chatvault.NowUnix())

		var p chatvault.EmbeddingPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			w.failJob(ctx, job.ID, fmt.Sprintf("decode payload: %v", err), true)
			continue
		}
		batch = append(batch, leased{job: job, payload: p})
	}
	if len(batch) == 0 {
		return 0, nil
	}

	texts := make([]string, len(batch))
	for i, b := range batch {
		texts[i] = b.payload.Content
	}

	vectors, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		// Provider failures are transient: the queue retries with backoff.
		w.logger.Warn("embed batch failed", "size", len(batch), "error", err)
		for _, b := range batch {
			w.failJob(ctx, b.job.ID, err.Error(), false)
		}
		return len(batch), nil
	}
	if len(vectors) != len(batch) {
		err := fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(batch))
		for _, b := range batch {
			w.failJob(ctx, b.job.ID, err.Error(), false)
		}
		return len(batch), nil
	}

	for i, b := range batch {
		// Extend the lease before each upsert: a slow batch must not lapse
		// mid-write.
		if err := w.queue.Heartbeat(ctx, b.job.ID, w.owner, w.leaseDuration); err != nil {
			w.logger.Warn("heartbeat failed", "job_id", b.job.ID, "error", err)
			continue
		}

		model := b.payload.Model
		if model == "" {
			model = w.embedder.Name()
		}
		emb := chatvault.MessageEmbedding{
			MessageID: b.payload.MessageID,
			Model:     model,
			Vector:    vectors[i],
			CreatedAt: chatvault.NowUnix(),
		}
		if err := w.store.UpsertEmbedding(ctx, emb); err != nil {
			// A deleted message is permanent; backend blips retry.
			w.failJob(ctx, b.job.ID, err.Error(), !chatvault.IsTransient(err))
			continue
		}
		if err := w.queue.MarkCompleted(ctx, b.job.ID, w.owner); err != nil {
			w.logger.Warn("mark completed failed", "job_id", b.job.ID, "error", err)
			continue
		}
		w.processed.Add(1)
	}

	w.logger.Debug("batch processed", "size", len(batch), "processed_total", w.Processed())
	return len(batch), nil
}

func (w *EmbeddingWorker) failJob(ctx context.Context, jobID, msg string, permanent bool) {
	w.failed.Add(1)
	if err := w.queue.MarkFailed(ctx, jobID, w.owner, msg, permanent); err != nil {
		w.logger.Warn("mark failed failed", "job_id", jobID, "error", err)
	}
}

// Processed returns the lifetime count of successfully embedded jobs.
func (w *EmbeddingWorker) Processed() int64 { return w.processed.Load() }

// Failed returns the lifetime count of failed job attempts.
func (w *EmbeddingWorker) Failed() int64 { return w.failed.Load() }

// LastActive returns the Unix time of the last dequeued job, 0 if none.
func (w *EmbeddingWorker) LastActive() int64 { return w.lastActive.Load() }

// Owner returns the lease owner id of this worker.
func (w *EmbeddingWorker) Owner() string { return w.owner }

// Reclaimer periodically returns expired leases to pending so jobs leased
// by crashed workers are retried.
type Reclaimer struct {
	queue    chatvault.JobQueue
	interval time.Duration
	logger   *slog.Logger
}

// NewReclaimer creates a Reclaimer. interval <= 0 defaults to 30s.
func NewReclaimer(queue chatvault.JobQueue, interval time.Duration, logger *slog.Logger) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(chatvault.DiscardHandler)
	}
	return &Reclaimer{queue: queue, interval: interval, logger: logger}
}

// Run reclaims expired leases until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.queue.ReclaimExpired(ctx)
			if err != nil {
				r.logger.Error("reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}
