package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/ingest"
	"github.com/raaihank/salesdash/internal/logger"
	"github.com/raaihank/salesdash/internal/source"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.GetDefaults()
	cfg.Ingest.SalesURI = filepath.Join(dir, "Sales.csv")
	cfg.Ingest.PriceURI = "file://" + filepath.Join(dir, "Price.csv")
	cfg.Ingest.BatchSize = 1

	if err := os.WriteFile(cfg.Ingest.SalesURI, []byte("Client,Warehouse,Product,2020-01-01\nA,W1,P1,10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Price.csv"), []byte("Client,Warehouse,Product,2020-01-01\nA,W1,P1,2.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewRunsIngestion(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Redis.KeyPrefix = "sd:"

	a, err := New(context.Background(), cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	res, err := a.Ingest.Run(context.Background(), ingest.TriggerCLI, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != etl.StateFinished || res.TotalBatches != 2 {
		t.Errorf("result = %+v", res)
	}
	if v := mr.HGet("sd:A:W1:P1", "price:2020-01-01"); v != "2.5" {
		t.Errorf("price = %q", v)
	}

	runs, err := a.History.List(context.Background(), 0)
	if err != nil || len(runs) != 1 {
		t.Errorf("history = %v, %v", runs, err)
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, logger.NewNop()); err == nil {
		t.Fatal("expected an error for an unreachable store")
	}
}

func TestOpenSources(t *testing.T) {
	t.Run("local files", func(t *testing.T) {
		cfg := testConfig(t)
		sales, price, err := OpenSources(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := sales.(source.File); !ok {
			t.Errorf("sales = %T", sales)
		}
		if _, ok := price.(source.File); !ok {
			t.Errorf("price = %T", price)
		}
	})

	t.Run("object storage", func(t *testing.T) {
		cfg := config.GetDefaults()
		cfg.Ingest.SalesURI = "s3://datasets/Sales.csv.gz"
		cfg.Ingest.PriceURI = "s3://datasets/Price.csv"
		cfg.S3.Endpoint = "http://127.0.0.1:9000"
		cfg.S3.AccessKeyID = "minio"
		cfg.S3.SecretAccessKey = "minio123"

		sales, _, err := OpenSources(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if sales.Name() != "s3://datasets/Sales.csv.gz" {
			t.Errorf("name = %q", sales.Name())
		}
	})

	t.Run("invalid uri", func(t *testing.T) {
		cfg := config.GetDefaults()
		cfg.Ingest.SalesURI = "s3://datasets"
		if _, _, err := OpenSources(context.Background(), cfg); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestPipelineConfig(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Ingest.BatchSize = 250

	pc := PipelineConfig(cfg)
	if pc.BatchSize != 250 || pc.RunTimeout != cfg.Ingest.RunTimeout || pc.StreamBuffer != 64 {
		t.Errorf("pipeline config = %+v", pc)
	}
}
