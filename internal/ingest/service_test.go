package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/history"
	"github.com/raaihank/salesdash/internal/source"
	"github.com/raaihank/salesdash/internal/store"
)

const (
	salesCSV = "Client,Warehouse,Product,2020-01-01,2020-01-08\nA,W1,P1,10,12\nB,W1,P2,3,\nC,W2,P1,,5\n"
	priceCSV = "Client,Warehouse,Product,2020-01-01\nA,W1,P1,2.5\nD,W3,P3,1.25\n"
)

func writeInputs(t *testing.T) (source.File, source.File) {
	t.Helper()
	dir := t.TempDir()
	sales := filepath.Join(dir, "Sales.csv")
	price := filepath.Join(dir, "Price.csv")
	if err := os.WriteFile(sales, []byte(salesCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(price, []byte(priceCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return source.File{Path: sales}, source.File{Path: price}
}

func newRedisService(t *testing.T, batchSize int) (*Service, *store.RecordStore, *history.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := store.NewRecordStore(&store.Config{RedisURL: "redis://" + mr.Addr()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRecordStore: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	cfg := etl.DefaultConfig()
	cfg.BatchSize = batchSize
	hist := history.NewMemoryStore(10)
	sales, price := writeInputs(t)

	svc := NewService(sales, price, rs, hist, &Config{Pipeline: cfg}, zap.NewNop())
	return svc, rs, hist, mr
}

func drain(events <-chan etl.Event) []etl.Event {
	var out []etl.Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestStartIngestsIntoRedis(t *testing.T) {
	svc, rs, hist, mr := newRedisService(t, 2)

	events, err := svc.Start(context.Background(), TriggerAPI)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := drain(events)

	last := got[len(got)-1]
	if last.Kind != etl.KindFinished {
		t.Fatalf("last event = %+v", last)
	}
	if last.TotalRows != 5 || last.TotalBatches != 3 || last.RowsSoFar != 5 {
		t.Errorf("finished event = %+v", last)
	}

	if v := mr.HGet("A:W1:P1", "sales:2020-01-08"); v != "12" {
		t.Errorf("sales:2020-01-08 = %q", v)
	}
	if v := mr.HGet("A:W1:P1", "price:2020-01-01"); v != "2.5" {
		t.Errorf("price:2020-01-01 = %q", v)
	}
	if mr.HGet("B:W1:P2", "sales:2020-01-08") != "" {
		t.Error("empty value stored")
	}

	res, err := rs.Search(context.Background(), store.Query{Product: "P1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Errorf("product P1 has %d keys, want 2", res.Total)
	}

	if snap := svc.Status(); snap.State != etl.StateFinished || snap.ProcessedBatches != 3 {
		t.Errorf("status = %+v", snap)
	}
	if svc.Running() {
		t.Error("service still busy after the channel closed")
	}

	runs, _ := hist.List(context.Background(), 0)
	if len(runs) != 1 || runs[0].State != "finished" || runs[0].Trigger != TriggerAPI {
		t.Errorf("history = %+v", runs)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	svc, rs, hist, mr := newRedisService(t, 2)
	ctx := context.Background()

	snapshot := func() (map[string]*store.Record, []string) {
		records := map[string]*store.Record{}
		if err := rs.Walk(ctx, func(r *store.Record) error {
			records[r.Key] = r
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return records, mr.Keys()
	}

	if _, err := svc.Run(ctx, TriggerCLI, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstRecords, firstKeys := snapshot()

	if _, err := svc.Run(ctx, TriggerCLI, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	secondRecords, secondKeys := snapshot()

	if !reflect.DeepEqual(firstRecords, secondRecords) {
		t.Errorf("records differ after re-run")
	}
	if !reflect.DeepEqual(firstKeys, secondKeys) {
		t.Errorf("keys differ after re-run: %v vs %v", firstKeys, secondKeys)
	}

	runs, _ := hist.List(ctx, 0)
	if len(runs) != 2 || !runs[0].SameInputs(runs[1]) {
		t.Errorf("history = %+v", runs)
	}
}

func TestReset(t *testing.T) {
	svc, _, _, mr := newRedisService(t, 1000)
	ctx := context.Background()

	if _, err := svc.Run(ctx, TriggerCLI, nil); err != nil {
		t.Fatal(err)
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("nothing ingested")
	}
	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys after reset: %v", keys)
	}

	// ingestion works against an empty store
	if _, err := svc.Run(ctx, TriggerCLI, nil); err != nil {
		t.Fatalf("run after reset: %v", err)
	}
}

// gatedStore blocks every write until released
type gatedStore struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	resets  int
}

func newGatedStore() *gatedStore {
	return &gatedStore{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) WriteBatch(_ context.Context, batch *etl.Batch) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return batch.Len(), nil
}

func (g *gatedStore) Reset(context.Context) error {
	g.resets++
	return nil
}

func TestSingleActiveRun(t *testing.T) {
	sales, price := writeInputs(t)
	gs := newGatedStore()
	svc := NewService(sales, price, gs, nil, nil, zap.NewNop())

	events, err := svc.Start(context.Background(), TriggerAPI)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := svc.Start(context.Background(), TriggerAPI); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Start: expected ErrRunInProgress, got %v", err)
	}
	if _, err := svc.Run(context.Background(), TriggerCLI, nil); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Run: expected ErrRunInProgress, got %v", err)
	}
	if err := svc.Reset(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Reset: expected ErrRunInProgress, got %v", err)
	}
	if gs.resets != 0 {
		t.Error("store reset during an active run")
	}

	<-gs.started
	if snap := svc.Status(); snap.State != etl.StateFlushing {
		t.Errorf("status during write = %s", snap.State)
	}

	close(gs.release)
	drain(events)

	if svc.Running() {
		t.Fatal("service still busy after run")
	}
	events, err = svc.Start(context.Background(), TriggerAPI)
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	drain(events)
}

func TestCancelledRunIsRecorded(t *testing.T) {
	sales, price := writeInputs(t)
	gs := newGatedStore()
	hist := history.NewMemoryStore(10)
	cfg := etl.DefaultConfig()
	cfg.BatchSize = 1
	svc := NewService(sales, price, gs, hist, &Config{Pipeline: cfg}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.Start(ctx, TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}

	<-gs.started
	cancel()
	close(gs.release)

	done := make(chan struct{})
	go func() {
		drain(events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed after cancellation")
	}

	runs, _ := hist.List(context.Background(), 0)
	if len(runs) != 1 || runs[0].State != string(etl.StateCancelled) {
		t.Fatalf("history = %+v", runs)
	}
	if runs[0].ProcessedBatches != 1 {
		t.Errorf("in-flight batch not completed: %+v", runs[0])
	}
}

func TestStatusBeforeFirstRun(t *testing.T) {
	sales, price := writeInputs(t)
	svc := NewService(sales, price, newGatedStore(), nil, nil, zap.NewNop())

	if snap := svc.Status(); snap.State != etl.StateIdle {
		t.Errorf("status = %+v", snap)
	}
	runs, err := svc.History(context.Background(), 10)
	if err != nil || len(runs) != 0 {
		t.Errorf("History = %v, %v", runs, err)
	}
}

func TestSchedule(t *testing.T) {
	sales, price := writeInputs(t)
	svc := NewService(sales, price, newGatedStore(), nil, &Config{Schedule: "0 3 * * *"}, zap.NewNop())
	if err := svc.StartSchedule(); err != nil {
		t.Fatalf("StartSchedule: %v", err)
	}

	next, ok := svc.NextScheduledRun()
	if !ok || next.Hour() != 3 || next.Minute() != 0 {
		t.Errorf("next run = %v (%v)", next, ok)
	}
	if err := svc.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	bad := NewService(sales, price, newGatedStore(), nil, &Config{Schedule: "every tuesday"}, zap.NewNop())
	if err := bad.StartSchedule(); err == nil {
		bad.Shutdown()
		t.Error("invalid expression accepted")
	}
}
