package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/export"
	"github.com/raaihank/salesdash/internal/ingest"
	"github.com/raaihank/salesdash/internal/store"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Combine the sales and price files and load them into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			salesURI, _ := cmd.Flags().GetString("sales")
			priceURI, _ := cmd.Flags().GetString("price")
			quiet, _ := cmd.Flags().GetBool("quiet")

			ctx, services, cleanup, err := setup(cmd, func(cfg *config.Config) {
				if batchSize > 0 {
					cfg.Ingest.BatchSize = batchSize
				}
				if salesURI != "" {
					cfg.Ingest.SalesURI = salesURI
				}
				if priceURI != "" {
					cfg.Ingest.PriceURI = priceURI
				}
			})
			if err != nil {
				return err
			}
			defer cleanup()

			var reporter etl.Reporter
			switch {
			case outputFormat(cmd) == "json":
				reporter = etl.ReporterFunc(func(e etl.Event) { printJSON(e) })
			case !quiet:
				reporter = etl.ReporterFunc(func(e etl.Event) { fmt.Println(e.Text()) })
			}

			res, err := services.Ingest.Run(ctx, ingest.TriggerCLI, reporter)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().Int("batch-size", 0, "Rows per batch (default from config)")
	cmd.Flags().String("sales", "", "Sales input path or s3:// URI (default from config)")
	cmd.Flags().String("price", "", "Price input path or s3:// URI (default from config)")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored record and index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, services, cleanup, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := services.Ingest.Reset(ctx); err != nil {
				return err
			}
			fmt.Println("Store reset")
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find records by client, warehouse and product",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q store.Query
			q.Client, _ = cmd.Flags().GetString("client")
			q.Warehouse, _ = cmd.Flags().GetString("warehouse")
			q.Product, _ = cmd.Flags().GetString("product")
			q.Limit, _ = cmd.Flags().GetInt("limit")

			ctx, services, cleanup, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := services.Store.Search(ctx, q)
			if errors.Is(err, store.ErrNoFilter) {
				return fmt.Errorf("%w (use --client, --warehouse or --product)", err)
			}
			if err != nil {
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(result)
			}
			for _, rec := range result.Records {
				fmt.Printf("%s\t%d sales\t%d prices\n", rec.Key, len(rec.Sales), len(rec.Price))
			}
			fmt.Printf("%d of %d records\n", len(result.Records), result.Total)
			return nil
		},
	}

	cmd.Flags().String("client", "", "Client to match")
	cmd.Flags().String("warehouse", "", "Warehouse to match")
	cmd.Flags().String("product", "", "Product to match")
	cmd.Flags().Int("limit", store.DefaultSearchLimit, "Maximum records returned")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.parquet>",
		Short: "Write every stored record to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.HasSuffix(path, ".parquet") {
				return fmt.Errorf("export file must end in .parquet: %s", path)
			}

			ctx, services, cleanup, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", path, err)
			}

			summary, err := export.NewWriter(services.Store, services.Logger().WithComponent("export").Logger).WriteTo(ctx, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				os.Remove(path)
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(summary)
			}
			fmt.Printf("Exported %d records as %d rows to %s\n", summary.Records, summary.Rows, path)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, services, cleanup, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := services.Store.Stats(ctx)
			if err != nil {
				return err
			}
			opts, err := services.Store.Options(ctx)
			if err != nil {
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(map[string]interface{}{"store": stats, "options": opts})
			}

			fmt.Printf("\n=== salesdash Store Statistics ===\n")
			fmt.Printf("Total Keys:         %d\n", stats.TotalKeys)
			fmt.Printf("Memory Usage:       %.2f MB\n", float64(stats.MemoryUsage)/1024/1024)
			fmt.Printf("Connected Clients:  %d\n", stats.Clients)
			fmt.Printf("Clients:            %d\n", len(opts.Clients))
			fmt.Printf("Warehouses:         %d\n", len(opts.Warehouses))
			fmt.Printf("Products:           %d\n", len(opts.Products))
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, services, cleanup, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := services.Ingest.History(ctx, limit)
			if err != nil {
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded (run history needs history.database_url)")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%d/%d rows\t%d skipped\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.State, r.Trigger,
					r.ProcessedRows, r.TotalRows, r.SkippedRows)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Number of runs to list")
	return cmd
}
