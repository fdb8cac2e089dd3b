package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/salesdash/internal/source"
)

// errAborted marks a run stopped by its context rather than by a failure
var errAborted = errors.New("run aborted")

// Pipeline ingests the sales and price inputs into a BatchWriter
type Pipeline struct {
	sales  source.Source
	price  source.Source
	writer BatchWriter
	config *Config
	logger *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(sales, price source.Source, writer BatchWriter, config *Config, logger *zap.Logger) *Pipeline {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaults.RunTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.StreamBuffer < 0 {
		cfg.StreamBuffer = 0
	}

	return &Pipeline{
		sales:  sales,
		price:  price,
		writer: writer,
		config: &cfg,
		logger: logger,
		snap:   Snapshot{State: StateIdle},
	}
}

// Snapshot returns the progress of the current or last run
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

func (p *Pipeline) update(fn func(s *Snapshot)) {
	p.mu.Lock()
	fn(&p.snap)
	p.mu.Unlock()
}

// Run ingests both inputs and reports every transition to reporter. The
// result is always non-nil. A failed run returns a *StageError and a
// cancelled run returns the context error.
func (p *Pipeline) Run(ctx context.Context, runID string, reporter Reporter) (*Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if reporter == nil {
		reporter = MultiReporter(nil)
	}

	r := &run{
		p:        p,
		reporter: reporter,
		acc:      NewAccumulator(),
		logger:   p.logger.With(zap.String("run_id", runID)),
		state:    StateIdle,
		result:   &Result{RunID: runID, StartedAt: time.Now()},
	}
	p.update(func(s *Snapshot) {
		*s = Snapshot{RunID: runID, State: StateIdle, StartedAt: r.result.StartedAt}
	})

	r.logger.Info("Starting ingestion run",
		zap.String("sales", p.sales.Name()),
		zap.String("price", p.price.Name()),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("run_timeout", p.config.RunTimeout))

	runCtx, cancel := context.WithTimeoutCause(ctx, p.config.RunTimeout, ErrRunTimeout)
	defer cancel()

	err := r.execute(runCtx)
	return r.finish(ctx, runCtx, err)
}

// run holds the state of one Pipeline.Run call
type run struct {
	p        *Pipeline
	reporter Reporter
	acc      *Accumulator
	logger   *zap.Logger
	state    State
	result   *Result

	totalRows        int64
	totalBatches     int
	pending          int
	processedRows    int64
	processedBatches int
	skippedRows      int64
	keysWritten      int64
	warnings         []string
}

func (r *run) execute(ctx context.Context) error {
	r.setState(StateCounting)
	if err := r.count(ctx); err != nil {
		return err
	}

	r.setState(StateStreaming)
	return r.stream(ctx)
}

// count pre-scans both inputs concurrently and emits the totals
func (r *run) count(ctx context.Context) error {
	var sales, price LineCount

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = CountLines(gctx, r.p.sales)
		return err
	})
	g.Go(func() error {
		var err error
		price, err = CountLines(gctx, r.p.price)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return errAborted
		}
		return &StageError{Stage: StageCounting, Err: err}
	}

	r.totalRows = sales.DataRows() + price.DataRows()
	r.totalBatches = totalBatches(r.totalRows, r.p.config.BatchSize)
	r.result.SalesChecksum = sales.Checksum
	r.result.PriceChecksum = price.Checksum

	r.p.update(func(s *Snapshot) {
		s.TotalRows = r.totalRows
		s.TotalBatches = r.totalBatches
	})

	r.logger.Info("Input rows counted",
		zap.Int64("sales_rows", sales.DataRows()),
		zap.Int64("price_rows", price.DataRows()),
		zap.Int64("total_rows", r.totalRows),
		zap.Int("total_batches", r.totalBatches))

	r.emit(Event{Kind: KindCounted})
	return nil
}

type streamItem struct {
	row Row
	err error // *RowError for a skipped row
	eof bool
}

type stream struct {
	source SourceType
	name   string
	items  chan streamItem
	done   bool
}

// stream pulls rows from both inputs in turn until both are exhausted
func (r *run) stream(ctx context.Context) error {
	salesReader, err := OpenRowReader(ctx, r.p.sales, SourceSales, r.logger)
	if err != nil {
		return r.readFailure(ctx, err)
	}
	defer salesReader.Close()

	priceReader, err := OpenRowReader(ctx, r.p.price, SourcePrice, r.logger)
	if err != nil {
		return r.readFailure(ctx, err)
	}
	defer priceReader.Close()

	streamCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(streamCtx)
	streams := []*stream{
		r.startStream(gctx, g, salesReader, SourceSales),
		r.startStream(gctx, g, priceReader, SourcePrice),
	}
	defer func() {
		stop()
		_ = g.Wait()
	}()

	r.setState(StateAccumulating)

	remaining := len(streams)
	for remaining > 0 {
		for _, s := range streams {
			if s.done {
				continue
			}
			if ctx.Err() != nil {
				return errAborted
			}

			var (
				item streamItem
				ok   bool
			)
			select {
			case <-ctx.Done():
				return errAborted
			case item, ok = <-s.items:
			}

			if !ok {
				// the reader stopped before EOF
				stop()
				err := g.Wait()
				if ctx.Err() != nil {
					return errAborted
				}
				if err == nil {
					err = fmt.Errorf("%s closed before end of input", s.name)
				}
				return &StageError{Stage: StageReading, Err: err}
			}

			if item.eof {
				s.done = true
				remaining--
				r.logger.Debug("Input exhausted", zap.String("file", s.name))
				r.emit(Event{Kind: KindFileDone, File: s.name})
				continue
			}

			r.consume(s, item)
			if r.pending >= r.p.config.BatchSize {
				if err := r.flush(ctx); err != nil {
					return err
				}
			}
		}
	}

	if r.pending > 0 {
		return r.flush(ctx)
	}
	return nil
}

// startStream reads rows on a separate goroutine into a bounded channel
func (r *run) startStream(ctx context.Context, g *errgroup.Group, reader *RowReader, st SourceType) *stream {
	s := &stream{
		source: st,
		name:   reader.Name(),
		items:  make(chan streamItem, r.p.config.StreamBuffer),
	}

	g.Go(func() error {
		defer close(s.items)
		for {
			row, err := reader.Next()

			item := streamItem{row: row}
			if err == io.EOF {
				item = streamItem{eof: true}
			} else if err != nil {
				var rowErr *RowError
				if !errors.As(err, &rowErr) {
					return err
				}
				item.err = rowErr
			}

			select {
			case s.items <- item:
			case <-ctx.Done():
				return ctx.Err()
			}

			if item.eof {
				return nil
			}
		}
	})

	return s
}

func (r *run) readFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errAborted
	}
	return &StageError{Stage: StageReading, Err: err}
}

// consume merges one row, or records it as skipped
func (r *run) consume(s *stream, item streamItem) {
	r.pending++
	r.p.update(func(snap *Snapshot) { snap.CurrentFile = s.name })

	err := item.err
	if err == nil {
		err = r.acc.Combine(item.row, s.source)
	}
	if err == nil {
		return
	}

	r.skippedRows++
	if len(r.warnings) < r.p.config.MaxWarnings {
		r.warnings = append(r.warnings, err.Error())
		r.logger.Warn("Skipping malformed row", zap.String("file", s.name), zap.Error(err))
	} else {
		r.logger.Debug("Skipping malformed row", zap.String("file", s.name), zap.Error(err))
	}
	r.p.update(func(snap *Snapshot) { snap.SkippedRows = r.skippedRows })
}

// flush hands the pending records to the writer as the next batch. The write
// is detached from cancellation so a batch is never interrupted halfway.
func (r *run) flush(ctx context.Context) error {
	r.setState(StateFlushing)

	index := r.processedBatches + 1
	batch := r.acc.Drain(index)
	batch.Rows = r.pending

	if batch.Len() > 0 {
		start := time.Now()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.p.config.WriteTimeout)
		n, err := r.p.writer.WriteBatch(writeCtx, batch)
		cancel()
		if err != nil {
			return &StageError{Stage: StageWriting, Batch: index, Err: err}
		}
		r.keysWritten += int64(n)

		r.logger.Debug("Batch written",
			zap.Int("batch", index),
			zap.Int("keys", n),
			zap.Duration("duration", time.Since(start)))
	}

	r.processedRows += int64(r.pending)
	r.processedBatches = index
	r.pending = 0

	r.p.update(func(s *Snapshot) {
		s.ProcessedRows = r.processedRows
		s.ProcessedBatches = r.processedBatches
	})
	r.emit(Event{Kind: KindBatchDone, BatchIndex: index})

	r.setState(StateAccumulating)
	return nil
}

// finish settles the terminal state and emits the terminal event
func (r *run) finish(parent, runCtx context.Context, err error) (*Result, error) {
	res := r.result
	res.TotalRows = r.totalRows
	res.TotalBatches = r.totalBatches
	res.ProcessedRows = r.processedRows
	res.ProcessedBatches = r.processedBatches
	res.SkippedRows = r.skippedRows
	res.KeysWritten = r.keysWritten
	res.Warnings = r.warnings
	res.Duration = time.Since(res.StartedAt)

	switch {
	case err == nil:
		r.setState(StateFinished)
		r.emit(Event{Kind: KindFinished})
		r.logger.Info("Ingestion run completed",
			zap.Int64("processed_rows", r.processedRows),
			zap.Int("processed_batches", r.processedBatches),
			zap.Int64("skipped_rows", r.skippedRows),
			zap.Int64("keys_written", r.keysWritten),
			zap.Duration("duration", res.Duration))

	case errors.Is(err, errAborted) && parent.Err() != nil:
		err = parent.Err()
		r.setState(StateCancelled)
		r.emit(Event{Kind: KindCancelled, Message: "ingestion cancelled"})
		r.logger.Info("Ingestion run cancelled",
			zap.Int("processed_batches", r.processedBatches),
			zap.Int("total_batches", r.totalBatches))

	default:
		if errors.Is(err, errAborted) {
			cause := context.Cause(runCtx)
			if cause == nil {
				cause = ErrRunTimeout
			}
			err = &StageError{Stage: r.stage(), Err: cause}
		}

		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: r.stage(), Err: err}
			err = stageErr
		}

		res.Error = err.Error()
		r.setState(StateError)
		r.p.update(func(s *Snapshot) { s.LastError = res.Error })
		r.emit(Event{
			Kind:       KindError,
			Stage:      stageErr.Stage,
			BatchIndex: stageErr.Batch,
			Message:    res.Error,
		})
		r.logger.Error("Ingestion run failed",
			zap.String("stage", string(stageErr.Stage)),
			zap.Int("batch", stageErr.Batch),
			zap.Error(stageErr.Err))
	}

	res.State = r.state
	return res, err
}

// stage maps the current state to the step an abort interrupted
func (r *run) stage() Stage {
	switch r.state {
	case StateIdle, StateCounting:
		return StageCounting
	case StateFlushing:
		return StageWriting
	default:
		return StageReading
	}
}

func (r *run) setState(state State) {
	r.state = state
	r.p.update(func(s *Snapshot) { s.State = state })
}

func (r *run) emit(e Event) {
	e.RunID = r.result.RunID
	e.Timestamp = time.Now()
	e.TotalRows = r.totalRows
	e.TotalBatches = r.totalBatches
	e.RowsSoFar = r.processedRows
	e.BatchesSoFar = r.processedBatches
	e.SkippedRows = r.skippedRows
	e.Percent = percent(r.processedRows, r.totalRows)
	r.reporter.Report(e)
}
