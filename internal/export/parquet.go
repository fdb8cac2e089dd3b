// Package export writes the stored records as a long-format Parquet file.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/store"
)

// Row is one (key, date) observation
type Row struct {
	Key       string  `parquet:"key"`
	Client    string  `parquet:"client"`
	Warehouse string  `parquet:"warehouse"`
	Product   string  `parquet:"product"`
	Date      string  `parquet:"date"`
	Sales     *string `parquet:"sales,optional"`
	Price     *string `parquet:"price,optional"`
}

// RecordSource iterates stored records
type RecordSource interface {
	Walk(ctx context.Context, fn func(*store.Record) error) error
}

// Summary describes a finished export
type Summary struct {
	Records int64 `json:"records"`
	Rows    int64 `json:"rows"`
}

// Writer streams records from a source into Parquet
type Writer struct {
	source RecordSource
	logger *zap.Logger
}

// NewWriter creates an exporter reading from source
func NewWriter(source RecordSource, logger *zap.Logger) *Writer {
	return &Writer{source: source, logger: logger}
}

// WriteTo writes every record to out and closes the Parquet footer
func (w *Writer) WriteTo(ctx context.Context, out io.Writer) (Summary, error) {
	pw := parquet.NewGenericWriter[Row](out, parquet.Compression(&parquet.Zstd))

	var summary Summary
	err := w.source.Walk(ctx, func(rec *store.Record) error {
		rows := Flatten(rec)
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.Write(rows); err != nil {
			return fmt.Errorf("failed to write rows for %s: %w", rec.Key, err)
		}
		summary.Records++
		summary.Rows += int64(len(rows))
		return nil
	})
	if err != nil {
		return summary, err
	}

	if err := pw.Close(); err != nil {
		return summary, fmt.Errorf("failed to finish parquet file: %w", err)
	}

	w.logger.Info("Parquet export completed",
		zap.Int64("records", summary.Records),
		zap.Int64("rows", summary.Rows))

	return summary, nil
}

// Flatten turns a record into one row per date in date order
func Flatten(rec *store.Record) []Row {
	dates := make(map[string]struct{}, len(rec.Sales)+len(rec.Price))
	for d := range rec.Sales {
		dates[d] = struct{}{}
	}
	for d := range rec.Price {
		dates[d] = struct{}{}
	}

	sorted := make([]string, 0, len(dates))
	for d := range dates {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	rows := make([]Row, 0, len(sorted))
	for _, d := range sorted {
		row := Row{
			Key:       rec.Key,
			Client:    rec.Client,
			Warehouse: rec.Warehouse,
			Product:   rec.Product,
			Date:      d,
		}
		if v, ok := rec.Sales[d]; ok {
			row.Sales = &v
		}
		if v, ok := rec.Price[d]; ok {
			row.Price = &v
		}
		rows = append(rows, row)
	}
	return rows
}
