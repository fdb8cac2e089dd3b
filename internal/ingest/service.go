// Package ingest runs the ingestion pipeline on request or on a schedule and
// guards the store against overlapping runs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/history"
	"github.com/raaihank/salesdash/internal/source"
)

// ErrRunInProgress is returned when a run or reset is requested while
// another one is active.
var ErrRunInProgress = errors.New("an ingestion run is already in progress")

// Triggers recorded in run history
const (
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
)

const historyTimeout = 5 * time.Second

// Store is the keyed store the pipeline writes to
type Store interface {
	etl.BatchWriter
	Reset(ctx context.Context) error
}

// Config contains ingestion service configuration
type Config struct {
	Pipeline *etl.Config
	Schedule string // cron expression, empty disables
}

// Service owns the lifecycle of ingestion runs. At most one run or reset is
// active at a time.
type Service struct {
	sales   source.Source
	price   source.Source
	store   Store
	history history.Store
	config  *Config
	logger  *zap.Logger

	mu      sync.Mutex
	busy    bool
	current *etl.Pipeline
	wg      sync.WaitGroup

	scheduler *scheduler
}

// NewService creates an ingestion service. history may be nil.
func NewService(sales, price source.Source, store Store, hist history.Store, config *Config, logger *zap.Logger) *Service {
	if config == nil {
		config = &Config{}
	}
	if config.Pipeline == nil {
		config.Pipeline = etl.DefaultConfig()
	}

	return &Service{
		sales:   sales,
		price:   price,
		store:   store,
		history: hist,
		config:  config,
		logger:  logger.With(zap.String("component", "ingest")),
	}
}

func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrRunInProgress
	}
	s.busy = true
	return nil
}

func (s *Service) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Service) newPipeline() *etl.Pipeline {
	p := etl.NewPipeline(s.sales, s.price, s.store, s.config.Pipeline, s.logger)
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return p
}

// Start begins a run in the background and returns its event channel at
// once. The channel is closed after the terminal event. Cancelling ctx
// cancels the run.
func (s *Service) Start(ctx context.Context, trigger string) (<-chan etl.Event, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}

	events := make(chan etl.Event, 16)
	p := s.newPipeline()
	runID := uuid.NewString()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(events)

		res, err := p.Run(ctx, runID, etl.NewChannelReporter(ctx, events))
		s.complete(ctx, res, err, trigger)
	}()

	return events, nil
}

// Run executes a run in the calling goroutine
func (s *Service) Run(ctx context.Context, trigger string, reporter etl.Reporter) (*etl.Result, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}

	p := s.newPipeline()
	res, err := p.Run(ctx, uuid.NewString(), reporter)
	s.complete(ctx, res, err, trigger)
	return res, err
}

// complete records the run summary and frees the service for the next run
func (s *Service) complete(ctx context.Context, res *etl.Result, runErr error, trigger string) {
	defer s.release()

	if s.history == nil {
		return
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	run := history.FromResult(res, trigger)
	if runErr == nil {
		if last, err := s.history.LastFinished(hctx); err == nil && run.SameInputs(last) {
			s.logger.Info("Inputs unchanged since last finished run",
				zap.String("run_id", run.ID),
				zap.String("previous_run_id", last.ID))
		}
	}

	if err := s.history.Record(hctx, run); err != nil {
		s.logger.Warn("Failed to record run history", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Reset wipes the store unless a run is active
func (s *Service) Reset(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	s.logger.Info("Store reset")
	return nil
}

// Status returns the progress of the active or most recent run
func (s *Service) Status() etl.Snapshot {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()

	if p == nil {
		return etl.Snapshot{State: etl.StateIdle}
	}
	return p.Snapshot()
}

// Running reports whether a run or reset is active
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// History returns the most recent run summaries
func (s *Service) History(ctx context.Context, limit int) ([]*history.Run, error) {
	if s.history == nil {
		return []*history.Run{}, nil
	}
	return s.history.List(ctx, limit)
}

// Wait blocks until background runs started with Start have returned
func (s *Service) Wait() {
	s.wg.Wait()
}
