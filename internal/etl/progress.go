package etl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Kind is the type of a progress event
type Kind string

const (
	KindCounted   Kind = "counted"
	KindBatchDone Kind = "batchDone"
	KindFileDone  Kind = "fileDone"
	KindError     Kind = "error"
	KindFinished  Kind = "finished"
	KindCancelled Kind = "cancelled"
)

// Terminal reports whether the event ends a run
func (k Kind) Terminal() bool {
	return k == KindError || k == KindFinished || k == KindCancelled
}

// Event is one pipeline transition as seen by a subscriber
type Event struct {
	RunID        string    `json:"run_id"`
	Kind         Kind      `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	TotalRows    int64     `json:"total_rows"`
	TotalBatches int       `json:"total_batches"`
	BatchIndex   int       `json:"batch_index,omitempty"`
	RowsSoFar    int64     `json:"rows_so_far"`
	BatchesSoFar int       `json:"batches_so_far"`
	SkippedRows  int64     `json:"skipped_rows"`
	Percent      float64   `json:"percent"`
	File         string    `json:"file,omitempty"`
	Stage        Stage     `json:"stage,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Text renders the event as a single human readable line
func (e Event) Text() string {
	switch e.Kind {
	case KindCounted:
		return fmt.Sprintf("Counted %d rows in %d batches", e.TotalRows, e.TotalBatches)
	case KindBatchDone:
		return fmt.Sprintf("Processed batch %d of %d (%d/%d rows, %.1f%%)",
			e.BatchIndex, e.TotalBatches, e.RowsSoFar, e.TotalRows, e.Percent)
	case KindFileDone:
		return fmt.Sprintf("Finished reading %s", e.File)
	case KindError:
		return "Ingestion failed: " + e.Message
	case KindFinished:
		msg := fmt.Sprintf("Ingestion complete: %d rows in %d batches", e.RowsSoFar, e.BatchesSoFar)
		if e.SkippedRows > 0 {
			msg += fmt.Sprintf(", %d skipped", e.SkippedRows)
		}
		return msg
	case KindCancelled:
		return fmt.Sprintf("Ingestion cancelled after %d of %d batches", e.BatchesSoFar, e.TotalBatches)
	default:
		return string(e.Kind)
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// Reporter receives the events of a run in order
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(Event)

// Report calls f
func (f ReporterFunc) Report(e Event) { f(e) }

// ChannelReporter delivers events to a single subscriber channel. Sends
// block so that no transition is dropped; once ctx is done the remaining
// events are discarded.
type ChannelReporter struct {
	ctx context.Context
	ch  chan<- Event
}

// NewChannelReporter creates a reporter writing to ch until ctx is done
func NewChannelReporter(ctx context.Context, ch chan<- Event) *ChannelReporter {
	return &ChannelReporter{ctx: ctx, ch: ch}
}

// Report sends e to the subscriber
func (r *ChannelReporter) Report(e Event) {
	if r.ctx.Err() != nil {
		return
	}
	select {
	case r.ch <- e:
	case <-r.ctx.Done():
	}
}

// LogReporter writes every event to a zap logger
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging through logger
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs e
func (r *LogReporter) Report(e Event) {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.String("kind", string(e.Kind)),
		zap.Int64("rows_so_far", e.RowsSoFar),
		zap.Int64("total_rows", e.TotalRows),
		zap.Int("batches_so_far", e.BatchesSoFar),
		zap.Int("total_batches", e.TotalBatches),
	}

	switch e.Kind {
	case KindError:
		r.logger.Error(e.Text(), append(fields, zap.String("stage", string(e.Stage)))...)
	case KindBatchDone:
		r.logger.Debug(e.Text(), fields...)
	default:
		r.logger.Info(e.Text(), fields...)
	}
}

// MultiReporter fans events out to several reporters in order
type MultiReporter []Reporter

// Report forwards e to every reporter
func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}
