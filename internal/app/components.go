package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ghlake/ghlake/internal/archive"
	"github.com/ghlake/ghlake/internal/bronze"
	"github.com/ghlake/ghlake/internal/config"
	"github.com/ghlake/ghlake/internal/features"
	"github.com/ghlake/ghlake/internal/gold"
	"github.com/ghlake/ghlake/internal/lease"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/observability"
	"github.com/ghlake/ghlake/internal/pipeline"
	"github.com/ghlake/ghlake/internal/retention"
	"github.com/ghlake/ghlake/internal/silver"
	"github.com/ghlake/ghlake/internal/storage"
)

// Components are the wired pipeline pieces shared by every binary.
type Components struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	Storage      storage.ObjectStorage
	Ledger       *ledger.SQLiteLedger
	Leases       *lease.Manager
	Retention    *retention.Manager
	Orchestrator *pipeline.Orchestrator
	Features     *features.Builder
}

// Options override parts of the default wiring.
type Options struct {
	// Downloader replaces the archive HTTP client.
	Downloader archive.Downloader

	// Storage replaces the configured object store.
	Storage storage.ObjectStorage

	// Registry receives the pipeline metrics. A fresh registry with Go and
	// process collectors is used when nil.
	Registry *prometheus.Registry
}

// Build validates cfg and wires storage, ledger, stages and orchestrator.
// The caller closes the result.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Components, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := observability.NewMetrics(reg)

	store := opts.Storage
	if store == nil {
		var err error
		if store, err = NewStorage(ctx, cfg); err != nil {
			return nil, err
		}
	}

	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	dl := opts.Downloader
	if dl == nil {
		dl = archive.New(cfg.Archive.BaseURL, archive.WithTimeout(cfg.Archive.Timeout))
	}

	p := cfg.Pipeline
	leases := lease.NewManager(store, p.LeaseTTL, logger)
	ret := retention.NewManager(store, l, logger, metrics)
	stages := pipeline.Stages{
		Fetcher:    bronze.NewFetcher(dl, store, p.FetchConcurrency, logger, metrics),
		Normalizer: silver.NewNormalizer(store, p.ReadConcurrency, logger, metrics),
		Aggregator: gold.NewAggregator(store, logger, metrics),
		Retention:  ret,
		Leases:     leases,
	}
	orch := pipeline.NewOrchestrator(pipeline.Config{
		LagDays:           p.LagDays,
		GoldRetentionDays: p.GoldRetentionDays,
		DayConcurrency:    p.DayConcurrency,
		StageTimeout:      p.StageTimeout,
	}, stages, l, logger, metrics)

	logger.Info("pipeline wired",
		zap.String("storage", cfg.Storage.Type),
		zap.String("ledger", cfg.LedgerPath),
		zap.String("archive", cfg.Archive.BaseURL))

	return &Components{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Storage:      store,
		Ledger:       l,
		Leases:       leases,
		Retention:    ret,
		Orchestrator: orch,
		Features:     features.NewBuilder(store, logger),
	}, nil
}

// NewStorage opens the object store named by cfg.Storage.
func NewStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "local":
		store, err := storage.NewLocalStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return store, nil
	case "s3":
		s3cfg := cfg.Storage.S3
		store, err := storage.NewS3Storage(ctx, s3cfg.Bucket, storage.S3Config{
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			UsePathStyle:    s3cfg.UsePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			MaxRetries:      s3cfg.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// Close releases the ledger.
func (c *Components) Close() error {
	if c.Ledger == nil {
		return nil
	}
	if err := c.Ledger.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	return nil
}
