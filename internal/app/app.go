// Package app wires configuration into a running chatvault application:
// store, job queue, embedding provider, and the import, search, retrieval,
// and archive services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	chatvault "github.com/chatvault/chatvault"
	"github.com/chatvault/chatvault/ingest"
	"github.com/chatvault/chatvault/internal/config"
	"github.com/chatvault/chatvault/observer"
	"github.com/chatvault/chatvault/provider/gemini"
	"github.com/chatvault/chatvault/provider/openaicompat"
	"github.com/chatvault/chatvault/store/postgres"
	"github.com/chatvault/chatvault/store/sqlite"
	"github.com/chatvault/chatvault/worker"
)

// App holds the assembled application.
type App struct {
	Config    config.Config
	Store     chatvault.Store
	Queue     chatvault.JobQueue
	Embedding chatvault.EmbeddingProvider

	Importer  *ingest.Importer
	Search    *chatvault.SearchService
	Retriever *chatvault.ContextualRetriever
	Archive   *chatvault.ArchiveService

	Instruments *observer.Instruments

	logger   *slog.Logger
	shutdown []func(context.Context) error
}

// New builds an App from cfg. The store is initialized (schema created) before
// returning. Call Close on exit.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(chatvault.DiscardHandler)
	}
	a := &App{Config: cfg, logger: logger}

	if cfg.Observer.Enabled {
		inst, stop, err := observer.Init(ctx)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.Instruments = inst
		a.shutdown = append(a.shutdown, stop)
	}

	embedding, err := newEmbedding(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	embedding = wrapEmbedding(embedding, cfg.Embedding, logger)
	if a.Instruments != nil && embedding != nil {
		embedding = observer.WrapEmbedding(embedding, a.Instruments)
	}
	a.Embedding = embedding

	if err := a.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.Store.Init(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("store init: %w", err)
	}

	a.Importer = ingest.NewImporter(a.Store, a.Queue,
		ingest.WithEmbeddingModel(cfg.Embedding.Model),
		ingest.WithLogger(logger))
	a.Search = chatvault.NewSearchService(a.Store, a.Embedding,
		chatvault.WithFusionWeights(cfg.Search.FTSWeight, cfg.Search.VectorWeight),
		chatvault.WithSearchOverfetch(cfg.Search.Overfetch),
		chatvault.WithSearchLogger(logger))
	a.Retriever = chatvault.NewContextualRetriever(a.Store, a.Search,
		chatvault.WithMaxWindowSize(cfg.Context.MaxWindowSize),
		chatvault.WithContextOverfetch(cfg.Context.Overfetch),
		chatvault.WithCharsPerToken(cfg.Context.CharsPerToken),
		chatvault.WithNeighborWeight(cfg.Context.NeighborWeight),
		chatvault.WithContextLogger(logger))
	a.Archive = chatvault.NewArchiveService(a.Store, cfg.Embedding.Model, "chat_messages",
		chatvault.WithArchiveLogger(logger))

	return a, nil
}

func newEmbedding(cfg config.EmbeddingConfig) (chatvault.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "gemini", "":
		return gemini.NewEmbedding(cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case "openai", "openai-compatible":
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return openaicompat.NewEmbedding(base, cfg.Model, cfg.Dimensions,
			openaicompat.WithAPIKey(cfg.APIKey)), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// wrapEmbedding layers the retry and rate-limit policies around the raw
// provider: transient failures (429/503) retry with backoff, and configured
// RPM/TPM caps throttle before the request leaves the process.
func wrapEmbedding(inner chatvault.EmbeddingProvider, cfg config.EmbeddingConfig, logger *slog.Logger) chatvault.EmbeddingProvider {
	if inner == nil {
		return nil
	}
	if cfg.RPM > 0 || cfg.TPM > 0 {
		var opts []chatvault.RateLimitOption
		if cfg.RPM > 0 {
			opts = append(opts, chatvault.RPM(cfg.RPM))
		}
		if cfg.TPM > 0 {
			opts = append(opts, chatvault.TPM(cfg.TPM))
		}
		inner = chatvault.WithEmbeddingRateLimit(inner, opts...)
	}
	retryOpts := []chatvault.RetryOption{chatvault.RetryLogger(logger)}
	if cfg.MaxRetries > 0 {
		retryOpts = append(retryOpts, chatvault.RetryMaxAttempts(cfg.MaxRetries))
	}
	return chatvault.WithEmbeddingRetry(inner, retryOpts...)
}

func (a *App) openStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Database.Backend {
	case "sqlite", "":
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(a.logger))
		a.Store, a.Queue = s, s
	case "postgres":
		if cfg.Database.DSN == "" {
			return errors.New("postgres backend requires database.dsn or DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		s := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		a.Store, a.Queue = s, s
		a.shutdown = append(a.shutdown, func(context.Context) error {
			pool.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
	return nil
}

// Worker builds the embedding worker with the configured batch size and
// intervals.
func (a *App) Worker() *worker.EmbeddingWorker {
	return worker.New(a.Store, a.Queue, a.Embedding,
		worker.WithBatchSize(a.Config.Worker.BatchSize),
		worker.WithPollInterval(time.Duration(a.Config.Worker.PollSeconds)*time.Second),
		worker.WithLeaseDuration(time.Duration(a.Config.Worker.LeaseSeconds)*time.Second),
		worker.WithLogger(a.logger))
}

// Reclaimer builds the lease reclaimer companion of the worker.
func (a *App) Reclaimer() *worker.Reclaimer {
	return worker.NewReclaimer(a.Queue, time.Duration(a.Config.Worker.ReclaimSeconds)*time.Second, a.logger)
}

// Close releases the store and flushes observability pipelines.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	return errors.Join(errs...)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
