package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	chatvault "github.com/chatvault/chatvault"
	"github.com/chatvault/chatvault/store/sqlite"
)

// fakeEmbedder returns deterministic unit vectors, or fails while failures
// remains positive.
type fakeEmbedder struct {
	dims     int
	calls    int
	failures int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) Name() string    { return "fake-embedder" }

var _ chatvault.EmbeddingProvider = (*fakeEmbedder)(nil)

func testStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "worker.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// importWithJobs stores a conversation of n messages, one embedding job per
// message, and returns the message ids.
func importWithJobs(t *testing.T, s *sqlite.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	now := chatvault.NowUnix()
	conv := chatvault.Conversation{ID: chatvault.NewID(), Title: "t", CreatedAt: now, UpdatedAt: now}

	var msgs []chatvault.Message
	var jobs []chatvault.Job
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		m := chatvault.Message{
			ID:             chatvault.NewID(),
			ConversationID: conv.ID,
			Role:           chatvault.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
			Seq:            i,
			CreatedAt:      now + int64(i),
		}
		ids[i] = m.ID
		msgs = append(msgs, m)
		jobs = append(jobs, chatvault.NewEmbeddingJob(chatvault.EmbeddingPayload{
			MessageID:      m.ID,
			ConversationID: conv.ID,
			Content:        m.Content,
			Model:          "test-model",
		}))
	}
	if err := s.ImportConversation(ctx, conv, msgs, jobs); err != nil {
		t.Fatalf("ImportConversation: %v", err)
	}
	return ids
}

func TestProcessBatchEmbedsAndCompletes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ids := importWithJobs(t, s, 3)

	emb := &fakeEmbedder{dims: 4}
	w := New(s, s, emb, WithBatchSize(10))

	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 3 {
		t.Fatalf("leased %d, want 3", n)
	}
	if emb.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 batched call", emb.calls)
	}
	if w.Processed() != 3 || w.Failed() != 0 {
		t.Fatalf("processed = %d, failed = %d", w.Processed(), w.Failed())
	}

	for _, id := range ids {
		if _, err := s.GetEmbedding(ctx, id, "test-model"); err != nil {
			t.Fatalf("GetEmbedding(%s): %v", id, err)
		}
	}
	stats, _ := s.QueueStats(ctx)
	if stats.Completed != 3 || stats.Pending != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// Nothing left to do.
	if n, err := w.ProcessBatch(ctx); err != nil || n != 0 {
		t.Fatalf("drained queue: n = %d, err = %v", n, err)
	}
}

func TestProcessBatchRespectsBatchSize(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	importWithJobs(t, s, 5)

	w := New(s, s, &fakeEmbedder{dims: 2}, WithBatchSize(2))

	if n, err := w.ProcessBatch(ctx); err != nil || n != 2 {
		t.Fatalf("first batch: n = %d, err = %v", n, err)
	}
	stats, _ := s.QueueStats(ctx)
	if stats.Completed != 2 || stats.Pending != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProcessBatchTransientFailureRequeues(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	importWithJobs(t, s, 2)

	emb := &fakeEmbedder{dims: 2, failures: 1}
	w := New(s, s, emb, WithBatchSize(10))

	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	stats, _ := s.QueueStats(ctx)
	if stats.Pending != 2 || stats.Failed != 0 || stats.Completed != 0 {
		t.Fatalf("after provider failure: %+v", stats)
	}
	if w.Failed() != 2 {
		t.Fatalf("failed counter = %d", w.Failed())
	}

	// Backoff keeps the jobs unavailable right now; fast-forward it.
	if _, err := s.DB().ExecContext(ctx, `UPDATE jobs SET available_at = 0`); err != nil {
		t.Fatalf("reset backoff: %v", err)
	}
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	stats, _ = s.QueueStats(ctx)
	if stats.Completed != 2 {
		t.Fatalf("after retry: %+v", stats)
	}
}

func TestProcessBatchDeletedMessageFailsPermanently(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Enqueue a job whose message does not exist.
	job := chatvault.NewEmbeddingJob(chatvault.EmbeddingPayload{
		MessageID:      "ghost",
		ConversationID: "ghost-conv",
		Content:        "orphaned",
		Model:          "test-model",
	})
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := New(s, s, &fakeEmbedder{dims: 2}, WithBatchSize(10))
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	stats, _ := s.QueueStats(ctx)
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProcessBatchBadPayload(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	bad := chatvault.Job{ID: chatvault.NewID(), Kind: chatvault.JobKindEmbedding, Payload: []byte(`{`)}
	if err := s.Enqueue(ctx, bad); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	emb := &fakeEmbedder{dims: 2}
	w := New(s, s, emb, WithBatchSize(10))
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if emb.calls != 0 {
		t.Fatal("provider called for undecodable payload")
	}
	stats, _ := s.QueueStats(ctx)
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCrashedWorkerLeaseIsRecovered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ids := importWithJobs(t, s, 1)

	// A worker leases the job and crashes without completing it.
	if _, ok, err := s.DequeueNext(ctx, []string{chatvault.JobKindEmbedding}, time.Second, "crashed"); err != nil || !ok {
		t.Fatalf("lease: ok = %v, err = %v", ok, err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE jobs SET lease_expires_at = 0`); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	if n, err := s.ReclaimExpired(ctx); err != nil || n != 1 {
		t.Fatalf("ReclaimExpired = %d, err = %v", n, err)
	}

	// A healthy worker finishes the reclaimed job.
	w := New(s, s, &fakeEmbedder{dims: 2}, WithBatchSize(10))
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if _, err := s.GetEmbedding(ctx, ids[0], "test-model"); err != nil {
		t.Fatalf("embedding missing after recovery: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := testStore(t)
	w := New(s, s, &fakeEmbedder{dims: 2}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
