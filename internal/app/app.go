// Package app wires configuration into the store, history and ingestion
// service shared by the server and the command line tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/history"
	"github.com/raaihank/salesdash/internal/ingest"
	"github.com/raaihank/salesdash/internal/logger"
	"github.com/raaihank/salesdash/internal/source"
	"github.com/raaihank/salesdash/internal/store"
)

// maxMemoryRuns bounds the in-process history when no database is configured
const maxMemoryRuns = 100

// App holds all initialized services
type App struct {
	Config  *config.Config
	Store   *store.RecordStore
	History history.Store
	Ingest  *ingest.Service

	logger *logger.Logger
}

// New initializes every service from cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, logger: log}

	log.Info("Initializing record store...")
	rs, err := store.NewRecordStore(&store.Config{
		RedisURL:      cfg.Redis.URL,
		Password:      cfg.Redis.Password,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		KeyPrefix:     cfg.Redis.KeyPrefix,
		AtomicBatches: cfg.Redis.AtomicBatches,
	}, log.WithComponent("store").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}
	a.Store = rs

	if cfg.History.DatabaseURL != "" {
		log.Info("Initializing history store...")
		hist, err := history.NewPostgresStore(&history.Config{
			DatabaseURL:     cfg.History.DatabaseURL,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		}, log.WithComponent("history").Logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize history store: %w", err)
		}
		a.History = hist
	} else {
		a.History = history.NewMemoryStore(maxMemoryRuns)
	}

	sales, price, err := OpenSources(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ingest = ingest.NewService(sales, price, rs, a.History, &ingest.Config{
		Pipeline: PipelineConfig(cfg),
		Schedule: cfg.Ingest.Schedule,
	}, log.Logger)

	return a, nil
}

// PipelineConfig maps the ingest section onto pipeline settings
func PipelineConfig(cfg *config.Config) *etl.Config {
	return &etl.Config{
		BatchSize:    cfg.Ingest.BatchSize,
		RunTimeout:   cfg.Ingest.RunTimeout,
		WriteTimeout: cfg.Ingest.WriteTimeout,
		StreamBuffer: cfg.Ingest.StreamBuffer,
		MaxWarnings:  cfg.Ingest.MaxWarnings,
	}
}

// OpenSources resolves the configured input URIs. An S3 client is only
// created when one of them is an s3:// URI.
func OpenSources(ctx context.Context, cfg *config.Config) (source.Source, source.Source, error) {
	var getter source.ObjectGetter
	if strings.HasPrefix(cfg.Ingest.SalesURI, "s3://") || strings.HasPrefix(cfg.Ingest.PriceURI, "s3://") {
		client, err := source.NewS3Client(ctx, source.S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		getter = client
	}

	sales, err := source.Parse(cfg.Ingest.SalesURI, getter)
	if err != nil {
		return nil, nil, fmt.Errorf("sales input: %w", err)
	}
	price, err := source.Parse(cfg.Ingest.PriceURI, getter)
	if err != nil {
		return nil, nil, fmt.Errorf("price input: %w", err)
	}
	return sales, price, nil
}

// Logger returns the logger the services were built with
func (a *App) Logger() *logger.Logger {
	return a.logger
}

// Close stops the schedule, waits for background runs and closes connections
func (a *App) Close() error {
	var errs []error
	if a.Ingest != nil {
		errs = append(errs, a.Ingest.Shutdown())
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("Errors while closing services", zap.Error(err))
	}
	return err
}
