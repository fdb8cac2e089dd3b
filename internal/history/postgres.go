package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id                TEXT PRIMARY KEY,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL,
	state             TEXT NOT NULL,
	triggered_by      TEXT NOT NULL DEFAULT '',
	total_rows        BIGINT NOT NULL DEFAULT 0,
	processed_rows    BIGINT NOT NULL DEFAULT 0,
	skipped_rows      BIGINT NOT NULL DEFAULT 0,
	total_batches     INTEGER NOT NULL DEFAULT 0,
	processed_batches INTEGER NOT NULL DEFAULT 0,
	keys_written      BIGINT NOT NULL DEFAULT 0,
	sales_checksum    TEXT NOT NULL DEFAULT '',
	price_checksum    TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ingest_runs_started_at_idx ON ingest_runs (started_at DESC);`

const runColumns = `id, started_at, finished_at, state, triggered_by, total_rows, processed_rows,
	skipped_rows, total_batches, processed_batches, keys_written, sales_checksum,
	price_checksum, error`

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// PostgresStore keeps run summaries in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects and creates the runs table if needed
func NewPostgresStore(config *Config, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &PostgresStore{
		db:     db,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}

	logger.Info("History store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

func (s *PostgresStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ingest_runs table: %w", err)
	}
	return nil
}

// Record inserts a run summary or updates it if the run was seen before
func (s *PostgresStore) Record(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO ingest_runs (` + runColumns + `)
		VALUES (:id, :started_at, :finished_at, :state, :triggered_by, :total_rows, :processed_rows,
			:skipped_rows, :total_batches, :processed_batches, :keys_written, :sales_checksum,
			:price_checksum, :error)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			state = EXCLUDED.state,
			processed_rows = EXCLUDED.processed_rows,
			skipped_rows = EXCLUDED.skipped_rows,
			processed_batches = EXCLUDED.processed_batches,
			keys_written = EXCLUDED.keys_written,
			error = EXCLUDED.error`

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		s.logger.Error("Failed to record run", zap.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("failed to record run: %w", err)
	}

	s.logger.Debug("Run recorded", zap.String("run_id", run.ID), zap.String("state", run.State))
	return nil
}

// List returns the newest runs first
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []*Run
	query := `SELECT ` + runColumns + ` FROM ingest_runs ORDER BY started_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// LastFinished returns the newest run that completed successfully
func (s *PostgresStore) LastFinished(ctx context.Context) (*Run, error) {
	var run Run
	query := `SELECT ` + runColumns + ` FROM ingest_runs WHERE state = 'finished' ORDER BY started_at DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &run, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return &run, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL hides the password of a connection URL for logging
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "postgres://***"
	}
	return u.Redacted()
}
