package etl

import "context"

// Batch is one unit of write work. Keys are unique; a batch is not modified
// after it has been handed to a BatchWriter.
type Batch struct {
	Index   int // 1-based position in the run
	Rows    int // source rows consumed while the batch was formed
	records []*CombinedRecord
}

// Records returns the batch contents ordered by key
func (b *Batch) Records() []*CombinedRecord { return b.records }

// Len returns the number of keys in the batch
func (b *Batch) Len() int { return len(b.records) }

// BatchWriter persists a batch in one round trip and returns the number of
// keys written. A returned error means the batch as a whole failed.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch *Batch) (int, error)
}

// BatchWriterFunc adapts a function to BatchWriter
type BatchWriterFunc func(ctx context.Context, batch *Batch) (int, error)

// WriteBatch calls f
func (f BatchWriterFunc) WriteBatch(ctx context.Context, batch *Batch) (int, error) {
	return f(ctx, batch)
}

// NewBatch builds a batch from records, for writers and tests that need one
// outside a pipeline run.
func NewBatch(index int, records ...*CombinedRecord) *Batch {
	return &Batch{Index: index, Rows: len(records), records: records}
}
