package etl

import (
	"errors"
	"strings"
	"testing"
)

func salesRow(client, warehouse, product string, values ...string) Row {
	dates := []string{"2020-01-01", "2020-01-08", "2020-01-15"}
	return Row{Client: client, Warehouse: warehouse, Product: product, Dates: dates[:len(values)], Values: values}
}

func TestCombineKeyDerivation(t *testing.T) {
	acc := NewAccumulator()

	// composed and decomposed forms of the same client plus stray whitespace
	if err := acc.Combine(salesRow("Caf\u00e9", "W1", "P1", "10"), SourceSales); err != nil {
		t.Fatal(err)
	}
	if err := acc.Combine(salesRow(" Cafe\u0301 ", "W1 ", "P1", "2.5"), SourcePrice); err != nil {
		t.Fatal(err)
	}

	if acc.Len() != 1 {
		t.Fatalf("expected one key, got %d", acc.Len())
	}
	rec, ok := acc.Get(CompositeKey("Caf\u00e9", "W1", "P1"))
	if !ok {
		t.Fatal("combined record not found")
	}
	if rec.Sales["2020-01-01"] != "10" || rec.Price["2020-01-01"] != "2.5" {
		t.Errorf("record = %+v", rec)
	}
}

func TestCombineMergeCompleteness(t *testing.T) {
	acc := NewAccumulator()
	_ = acc.Combine(salesRow("A", "W1", "P1", "10", "11"), SourceSales)
	_ = acc.Combine(salesRow("B", "W1", "P1", "2.5"), SourcePrice)

	salesOnly, _ := acc.Get("A:W1:P1")
	if len(salesOnly.Sales) != 2 || len(salesOnly.Price) != 0 {
		t.Errorf("sales-only record = %+v", salesOnly)
	}
	priceOnly, _ := acc.Get("B:W1:P1")
	if len(priceOnly.Price) != 1 || len(priceOnly.Sales) != 0 {
		t.Errorf("price-only record = %+v", priceOnly)
	}
}

func TestCombineEmptyValuesAreAbsent(t *testing.T) {
	acc := NewAccumulator()
	_ = acc.Combine(salesRow("A", "W1", "P1", "10", "", " 7 "), SourceSales)

	rec, _ := acc.Get("A:W1:P1")
	if _, ok := rec.Sales["2020-01-08"]; ok {
		t.Error("empty value stored")
	}
	if rec.Sales["2020-01-15"] != "7" {
		t.Errorf("trimmed value = %q", rec.Sales["2020-01-15"])
	}
}

func TestCombineMissingIdentifier(t *testing.T) {
	acc := NewAccumulator()
	err := acc.Combine(Row{Line: 4, Client: "A", Warehouse: "W1", Product: "  "}, SourceSales)

	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("expected *RowError, got %v", err)
	}
	if rowErr.Line != 4 || rowErr.Source != SourceSales {
		t.Errorf("RowError = %+v", rowErr)
	}
	if acc.Len() != 0 {
		t.Errorf("rejected row created %d keys", acc.Len())
	}
}

func TestCombineSeparatorInIdentifier(t *testing.T) {
	acc := NewAccumulator()
	if err := acc.Combine(salesRow("A", "B:W", "P", "2"), SourceSales); err == nil {
		t.Fatal("identifier with separator accepted")
	}

	err := acc.Combine(Row{Line: 7, Client: "A:B", Warehouse: "W", Product: "P"}, SourcePrice)
	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("expected *RowError, got %v", err)
	}
	if rowErr.Line != 7 || rowErr.Source != SourcePrice || !strings.Contains(rowErr.Reason, ColumnClient) {
		t.Errorf("RowError = %+v", rowErr)
	}
	if acc.Len() != 0 {
		t.Errorf("rejected rows created %d keys", acc.Len())
	}
}

func TestDrain(t *testing.T) {
	acc := NewAccumulator()
	_ = acc.Combine(salesRow("C", "W1", "P1", "1"), SourceSales)
	_ = acc.Combine(salesRow("A", "W1", "P1", "1"), SourceSales)
	_ = acc.Combine(salesRow("B", "W1", "P1", "1"), SourceSales)

	batch := acc.Drain(1)
	if batch.Index != 1 || batch.Len() != 3 {
		t.Fatalf("batch = %d with %d records", batch.Index, batch.Len())
	}
	for i, want := range []string{"A:W1:P1", "B:W1:P1", "C:W1:P1"} {
		if batch.Records()[i].Key != want {
			t.Errorf("record %d = %s, want %s", i, batch.Records()[i].Key, want)
		}
	}
	if acc.Len() != 0 {
		t.Errorf("accumulator kept %d keys after Drain", acc.Len())
	}

	_ = acc.Combine(salesRow("A", "W1", "P1", "2"), SourceSales)
	if batch.Records()[0].Sales["2020-01-01"] != "1" {
		t.Error("drained batch changed after further combines")
	}
}
