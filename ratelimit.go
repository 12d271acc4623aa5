package chatvault

import (
	"context"
	"sync"
	"time"
)

// rateLimitEmbedding wraps an EmbeddingProvider with proactive rate limiting.
// Calls are blocked until the rate budget allows them to proceed.
type rateLimitEmbedding struct {
	inner EmbeddingProvider
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, textCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at    time.Time
	texts int
}

// RateLimitOption configures a rate-limited embedding provider.
type RateLimitOption func(*rateLimitEmbedding)

// RPM sets the maximum Embed calls per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitEmbedding) { r.rpm = n }
}

// TPM sets the maximum texts embedded per minute. This is a soft limit: the
// call that exceeds the budget completes, but subsequent calls block until
// the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitEmbedding) { r.tpm = n }
}

// WithEmbeddingRateLimit wraps p with proactive rate limiting. Compose with
// other wrappers:
//
//	emb = chatvault.WithEmbeddingRateLimit(provider, chatvault.RPM(60))
//	emb = chatvault.WithEmbeddingRateLimit(chatvault.WithEmbeddingRetry(provider), chatvault.RPM(60))
func WithEmbeddingRateLimit(p EmbeddingProvider, opts ...RateLimitOption) EmbeddingProvider {
	r := &rateLimitEmbedding{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitEmbedding) Name() string    { return r.inner.Name() }
func (r *rateLimitEmbedding) Dimensions() int { return r.inner.Dimensions() }

func (r *rateLimitEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	result, err := r.inner.Embed(ctx, texts)
	if err == nil {
		r.recordTexts(len(texts))
	}
	return result, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a call.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitEmbedding) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.texts
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordTexts adds a text count to the TPM sliding window.
func (r *rateLimitEmbedding) recordTexts(n int) {
	if r.tpm <= 0 || n <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), texts: n})
	r.mu.Unlock()
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ EmbeddingProvider = (*rateLimitEmbedding)(nil)
