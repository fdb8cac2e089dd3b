package etl

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEventText(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Kind: KindCounted, TotalRows: 5, TotalBatches: 3}, "Counted 5 rows in 3 batches"},
		{Event{Kind: KindBatchDone, BatchIndex: 1, TotalBatches: 3, RowsSoFar: 2, TotalRows: 5, Percent: 40}, "Processed batch 1 of 3 (2/5 rows, 40.0%)"},
		{Event{Kind: KindFileDone, File: "Sales.csv"}, "Finished reading Sales.csv"},
		{Event{Kind: KindError, Message: "writing batch 2: timeout"}, "Ingestion failed: writing batch 2: timeout"},
		{Event{Kind: KindFinished, RowsSoFar: 5, BatchesSoFar: 3}, "Ingestion complete: 5 rows in 3 batches"},
		{Event{Kind: KindFinished, RowsSoFar: 5, BatchesSoFar: 3, SkippedRows: 1}, "Ingestion complete: 5 rows in 3 batches, 1 skipped"},
		{Event{Kind: KindCancelled, BatchesSoFar: 1, TotalBatches: 3}, "Ingestion cancelled after 1 of 3 batches"},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Kind), func(t *testing.T) {
			if got := tt.event.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannelReporter(t *testing.T) {
	t.Run("delivers in order", func(t *testing.T) {
		ch := make(chan Event, 3)
		r := NewChannelReporter(context.Background(), ch)
		r.Report(Event{Kind: KindCounted})
		r.Report(Event{Kind: KindBatchDone})
		r.Report(Event{Kind: KindFinished})
		close(ch)

		var kinds []Kind
		for e := range ch {
			kinds = append(kinds, e.Kind)
		}
		if len(kinds) != 3 || kinds[0] != KindCounted || kinds[2] != KindFinished {
			t.Errorf("kinds = %v", kinds)
		}
	})

	t.Run("stops blocking when subscriber leaves", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r := NewChannelReporter(ctx, make(chan Event))

		done := make(chan struct{})
		go func() {
			r.Report(Event{Kind: KindCounted})
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Report still blocked after cancellation")
		}
	})
}

func TestMultiReporter(t *testing.T) {
	var order []string
	m := MultiReporter{
		ReporterFunc(func(Event) { order = append(order, "first") }),
		nil,
		NewLogReporter(zap.NewNop()),
		ReporterFunc(func(Event) { order = append(order, "second") }),
	}
	m.Report(Event{Kind: KindError, Stage: StageWriting})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}
