package etl

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/source"
)

const dateLayout = "2006-01-02"

// Row is one data line of a wide CSV input. Dates is shared by every row of
// the same input and must not be modified.
type Row struct {
	Source    SourceType
	Line      int
	Client    string
	Warehouse string
	Product   string
	Dates     []string
	Values    []string // aligned with Dates
}

// RowReader yields the rows of one wide CSV input without buffering the file.
type RowReader struct {
	source  SourceType
	name    string
	rc      io.ReadCloser
	reader  *csv.Reader
	width   int
	ids     [3]int // Client, Warehouse, Product column indexes
	dateIdx []int
	dates   []string
}

// OpenRowReader opens src and parses its header.
func OpenRowReader(ctx context.Context, src source.Source, st SourceType, logger *zap.Logger) (*RowReader, error) {
	rc, err := source.OpenText(ctx, src)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = 0 // every row must match the header width
	reader.TrimLeadingSpace = true

	r := &RowReader{
		source: st,
		name:   src.Name(),
		rc:     rc,
		reader: reader,
	}

	header, err := reader.Read()
	if err == io.EOF {
		rc.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyInput, r.name)
	}
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("read header of %s: %w", r.name, err)
	}

	if err := r.mapHeader(header, logger); err != nil {
		rc.Close()
		return nil, err
	}

	logger.Debug("CSV header detected",
		zap.String("file", r.name),
		zap.String("source", string(st)),
		zap.Int("date_columns", len(r.dates)))

	return r, nil
}

// mapHeader locates the identifying columns and the value columns
func (r *RowReader) mapHeader(header []string, logger *zap.Logger) error {
	r.width = len(header)
	r.ids = [3]int{-1, -1, -1}
	var nonDates []string

	for i, h := range header {
		name := strings.TrimSpace(h)
		switch {
		case strings.EqualFold(name, ColumnClient):
			r.ids[0] = i
		case strings.EqualFold(name, ColumnWarehouse):
			r.ids[1] = i
		case strings.EqualFold(name, ColumnProduct):
			r.ids[2] = i
		case name == "":
			// unnamed columns carry no date and are ignored
		default:
			if _, err := time.Parse(dateLayout, name); err != nil {
				nonDates = append(nonDates, name)
			}
			r.dateIdx = append(r.dateIdx, i)
			r.dates = append(r.dates, name)
		}
	}

	for i, column := range []string{ColumnClient, ColumnWarehouse, ColumnProduct} {
		if r.ids[i] < 0 {
			return fmt.Errorf("%w %q in %s", ErrMissingColumn, column, r.name)
		}
	}

	if len(nonDates) > 0 {
		logger.Warn("Value columns without YYYY-MM-DD names",
			zap.String("file", r.name),
			zap.Strings("columns", nonDates))
	}

	return nil
}

// Name returns the input name
func (r *RowReader) Name() string { return r.name }

// Dates returns the value column names in header order
func (r *RowReader) Dates() []string { return r.dates }

// Next returns the next row, io.EOF at the end of input, or a *RowError for
// a row that has to be skipped. Malformed quoting only loses the offending
// row; an unterminated quoted field swallows the rest of the input. Read
// failures of the underlying stream are fatal.
func (r *RowReader) Next() (Row, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return Row{}, io.EOF
	}
	if err != nil {
		var parseErr *csv.ParseError
		if !errors.As(err, &parseErr) {
			return Row{}, fmt.Errorf("read %s: %w", r.name, err)
		}
		reason := parseErr.Err.Error()
		if errors.Is(parseErr.Err, csv.ErrFieldCount) {
			reason = fmt.Sprintf("expected %d fields, got %d", r.width, len(record))
		}
		return Row{}, &RowError{Source: r.source, Line: parseErr.StartLine, Reason: reason}
	}

	line, _ := r.reader.FieldPos(0)
	row := Row{
		Source:    r.source,
		Line:      line,
		Client:    record[r.ids[0]],
		Warehouse: record[r.ids[1]],
		Product:   record[r.ids[2]],
		Dates:     r.dates,
		Values:    make([]string, len(r.dateIdx)),
	}
	for i, idx := range r.dateIdx {
		row.Values[i] = record[idx]
	}
	return row, nil
}

// Close releases the underlying stream
func (r *RowReader) Close() error {
	return r.rc.Close()
}
