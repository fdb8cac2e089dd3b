package etl

import (
	"errors"
	"fmt"
	"time"
)

// SourceType identifies which input a row came from
type SourceType string

const (
	SourceSales SourceType = "sales"
	SourcePrice SourceType = "price"
)

// Identifying columns shared by both inputs
const (
	ColumnClient    = "Client"
	ColumnWarehouse = "Warehouse"
	ColumnProduct   = "Product"
)

// Stage names the pipeline step an error came from
type Stage string

const (
	StageCounting Stage = "counting"
	StageReading  Stage = "reading"
	StageWriting  Stage = "writing"
)

// State is the orchestrator's position in a run
type State string

const (
	StateIdle         State = "idle"
	StateCounting     State = "counting"
	StateStreaming    State = "streaming"
	StateAccumulating State = "accumulating"
	StateFlushing     State = "flushing"
	StateFinished     State = "finished"
	StateError        State = "error"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateCancelled
}

var (
	// ErrMissingColumn is returned when a header lacks an identifying column.
	ErrMissingColumn = errors.New("missing identifying column")
	// ErrEmptyInput is returned when an input has no header line.
	ErrEmptyInput = errors.New("input has no header")
	// ErrRunTimeout is the cancellation cause when a run exceeds its budget.
	ErrRunTimeout = errors.New("ingestion run exceeded its time budget")
)

// RowError is a recoverable problem with a single input row. The row is
// skipped and the run continues.
type RowError struct {
	Source SourceType
	Line   int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Source, e.Line, e.Reason)
}

// StageError is a run-fatal failure. Batch is set for write failures.
type StageError struct {
	Stage Stage
	Batch int
	Err   error
}

func (e *StageError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("%s batch %d: %v", e.Stage, e.Batch, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`       // 1000
	RunTimeout   time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`     // 5m
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"` // 30s
	StreamBuffer int           `yaml:"stream_buffer" mapstructure:"stream_buffer"` // 64
	MaxWarnings  int           `yaml:"max_warnings" mapstructure:"max_warnings"`   // 100
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    1000,
		RunTimeout:   5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		StreamBuffer: 64,
		MaxWarnings:  100,
	}
}

// Result is the outcome of one ingestion run
type Result struct {
	RunID            string        `json:"run_id"`
	State            State         `json:"state"`
	TotalRows        int64         `json:"total_rows"`
	TotalBatches     int           `json:"total_batches"`
	ProcessedRows    int64         `json:"processed_rows"`
	ProcessedBatches int           `json:"processed_batches"`
	SkippedRows      int64         `json:"skipped_rows"`
	KeysWritten      int64         `json:"keys_written"`
	SalesChecksum    string        `json:"sales_checksum,omitempty"`
	PriceChecksum    string        `json:"price_checksum,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Warnings         []string      `json:"warnings,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Snapshot is the live progress state of a run
type Snapshot struct {
	RunID            string    `json:"run_id"`
	State            State     `json:"state"`
	TotalRows        int64     `json:"total_rows"`
	TotalBatches     int       `json:"total_batches"`
	ProcessedRows    int64     `json:"processed_rows"`
	ProcessedBatches int       `json:"processed_batches"`
	SkippedRows      int64     `json:"skipped_rows"`
	CurrentFile      string    `json:"current_file,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}
