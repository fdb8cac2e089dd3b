package etl

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins the identifying values of a composite key. Identifiers
// containing it are rejected so every key splits back into one triple.
const KeySeparator = ":"

// CompositeKey joins the identifying values as Client:Warehouse:Product
func CompositeKey(client, warehouse, product string) string {
	return client + KeySeparator + warehouse + KeySeparator + product
}

// NormalizeIdentifier trims and NFC-normalizes an identifying value so the
// same triple maps to the same key whichever file it was read from.
func NormalizeIdentifier(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// CombinedRecord holds the pending sales and price values of one key
type CombinedRecord struct {
	Key       string
	Client    string
	Warehouse string
	Product   string
	Sales     map[string]string // date -> value
	Price     map[string]string // date -> value
}

// Accumulator merges rows from both inputs by composite key. It belongs to a
// single run and is not safe for concurrent use.
type Accumulator struct {
	records map[string]*CombinedRecord
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{records: make(map[string]*CombinedRecord)}
}

// Len returns the number of distinct keys pending
func (a *Accumulator) Len() int { return len(a.records) }

// Get returns the pending record for key, if any
func (a *Accumulator) Get(key string) (*CombinedRecord, bool) {
	rec, ok := a.records[key]
	return rec, ok
}

// Combine merges one row into the accumulator. A row with an empty
// identifying value, or one containing KeySeparator, is rejected with a
// *RowError and leaves no trace.
// Empty values are treated as absent; values are not validated.
func (a *Accumulator) Combine(row Row, st SourceType) error {
	client := NormalizeIdentifier(row.Client)
	warehouse := NormalizeIdentifier(row.Warehouse)
	product := NormalizeIdentifier(row.Product)

	var missing []string
	if client == "" {
		missing = append(missing, ColumnClient)
	}
	if warehouse == "" {
		missing = append(missing, ColumnWarehouse)
	}
	if product == "" {
		missing = append(missing, ColumnProduct)
	}
	if len(missing) > 0 {
		return &RowError{
			Source: st,
			Line:   row.Line,
			Reason: "empty " + strings.Join(missing, ", "),
		}
	}

	var separated []string
	for i, value := range []string{client, warehouse, product} {
		if strings.Contains(value, KeySeparator) {
			separated = append(separated, []string{ColumnClient, ColumnWarehouse, ColumnProduct}[i])
		}
	}
	if len(separated) > 0 {
		return &RowError{
			Source: st,
			Line:   row.Line,
			Reason: fmt.Sprintf("%q in %s", KeySeparator, strings.Join(separated, ", ")),
		}
	}

	key := CompositeKey(client, warehouse, product)
	rec, ok := a.records[key]
	if !ok {
		rec = &CombinedRecord{
			Key:       key,
			Client:    client,
			Warehouse: warehouse,
			Product:   product,
			Sales:     make(map[string]string),
			Price:     make(map[string]string),
		}
		a.records[key] = rec
	}

	target := rec.Sales
	if st == SourcePrice {
		target = rec.Price
	}
	for i, date := range row.Dates {
		if i >= len(row.Values) {
			break
		}
		if value := strings.TrimSpace(row.Values[i]); value != "" {
			target[date] = value
		}
	}

	return nil
}

// Drain hands every pending record over as a batch and empties the
// accumulator. Records are ordered by key.
func (a *Accumulator) Drain(index int) *Batch {
	records := make([]*CombinedRecord, 0, len(a.records))
	for _, rec := range a.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	a.records = make(map[string]*CombinedRecord)
	return &Batch{Index: index, records: records}
}
