package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/sp-api-ingest/internal/config"
	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/Sternrassler/sp-api-ingest/pkg/logging"
	"github.com/Sternrassler/sp-api-ingest/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const dateLayout = "2006-01-02"

// Exit codes.
const (
	exitConnectivity = 1
	exitConfig       = 2
	exitConflict     = 3
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:  "sp-ingest",
		Usage: "ingest seller orders and inventory into MySQL staging tables",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start-date", Usage: "first day to ingest (YYYY-MM-DD); empty resumes from the last checkpoint"},
			&cli.StringFlag{Name: "end-date", Usage: "day to stop before (YYYY-MM-DD, default now)"},
			&cli.IntFlag{Name: "batch-size", Usage: "records per staging write (default BATCH_SIZE or 100)"},
			&cli.StringSliceFlag{Name: "skus", Usage: "refresh inventory for these SKUs only"},
			&cli.StringSliceFlag{Name: "order-id", Usage: "also ingest line items of these orders"},
			&cli.BoolFlag{Name: "initialize-db", Usage: "create staging, archive and control tables before running"},
			&cli.BoolFlag{Name: "test-connection", Usage: "only test the upstream connection"},
			&cli.BoolFlag{Name: "skip-orders", Usage: "do not ingest orders"},
			&cli.BoolFlag{Name: "skip-inventory", Usage: "do not refresh inventory"},
			&cli.BoolFlag{Name: "dry-run", Usage: "stage into memory instead of MySQL"},
			&cli.StringFlag{Name: "env-file", Usage: "read configuration from this file instead of .env"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics, /health and /ready on this address while running"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "log-pretty", Usage: "human-readable log output"},
		},
		Action: func(c *cli.Context) error {
			return run(c, stdout)
		},
	}
}

// options are the parsed command line flags.
type options struct {
	start, end     time.Time
	batchSize      int
	skus, orderIDs []string
	initializeDB   bool
	testConnection bool
	skipOrders     bool
	skipInventory  bool
	dryRun         bool
	metricsAddr    string
}

func parseOptions(c *cli.Context) (options, error) {
	opts := options{
		batchSize:      c.Int("batch-size"),
		skus:           c.StringSlice("skus"),
		orderIDs:       c.StringSlice("order-id"),
		initializeDB:   c.Bool("initialize-db"),
		testConnection: c.Bool("test-connection"),
		skipOrders:     c.Bool("skip-orders"),
		skipInventory:  c.Bool("skip-inventory"),
		dryRun:         c.Bool("dry-run"),
		metricsAddr:    c.String("metrics-addr"),
	}
	if opts.batchSize < 0 {
		return opts, fmt.Errorf("--batch-size must be > 0")
	}

	var err error
	if s := c.String("start-date"); s != "" {
		if opts.start, err = time.Parse(dateLayout, s); err != nil {
			return opts, fmt.Errorf("--start-date: %w", err)
		}
	}
	if s := c.String("end-date"); s != "" {
		if opts.end, err = time.Parse(dateLayout, s); err != nil {
			return opts, fmt.Errorf("--end-date: %w", err)
		}
	}
	if !opts.start.IsZero() && !opts.end.IsZero() && !opts.start.Before(opts.end) {
		return opts, fmt.Errorf("--start-date must be before --end-date")
	}
	return opts, nil
}

func run(c *cli.Context, stdout io.Writer) error {
	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(c.String("log-level")),
		Pretty:  c.Bool("log-pretty"),
		Output:  os.Stderr,
		Service: "sp-ingest",
	})

	opts, err := parseOptions(c)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}

	var files []string
	if f := c.String("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	if opts.batchSize > 0 {
		cfg.BatchSize = opts.batchSize
	}
	if err := cfg.Validate(!opts.dryRun && !opts.testConnection); err != nil {
		return cli.Exit(err, exitConfig)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := upstream.New(upstream.Config{
		BaseURL:       cfg.Upstream.BaseURL,
		MarketplaceID: cfg.Upstream.MarketplaceID,
		AccessToken:   cfg.Upstream.AccessToken,
		UserAgent:     cfg.Upstream.UserAgent,
		Timeout:       cfg.Upstream.Timeout,
	}, logger)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}

	conn := connectionReport(client.TestConnection(ctx))
	if opts.testConnection {
		if err := writeJSON(stdout, conn); err != nil {
			return err
		}
		if conn.OverallStatus != "success" {
			return cli.Exit("connection test failed", exitConnectivity)
		}
		logger.Info().Msg("Connection test successful")
		return nil
	}
	if conn.OverallStatus != "success" {
		return cli.Exit(fmt.Sprintf("upstream unreachable: %s", conn.Results["catalog"].Error), exitConnectivity)
	}

	deps, err := wire(ctx, cfg, opts, client, logger)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	defer deps.Close()

	report, err := ingestAll(ctx, deps, opts, logger)
	if werr := writeJSON(stdout, report); werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, ingest.ErrCheckpointConflict) {
		return cli.Exit(err, exitConflict)
	}
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	return nil
}

// ConnectionReport is printed by --test-connection.
type ConnectionReport struct {
	OverallStatus string                               `json:"overall_status"`
	Timestamp     string                               `json:"timestamp"`
	Results       map[string]upstream.ConnectionResult `json:"api_results"`
}

func connectionReport(results ...upstream.ConnectionResult) ConnectionReport {
	report := ConnectionReport{
		OverallStatus: "success",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Results:       map[string]upstream.ConnectionResult{},
	}
	for _, r := range results {
		report.Results["catalog"] = r
		if !r.OK() {
			report.OverallStatus = "failed"
		}
	}
	return report
}

// RunReport is the JSON document printed after the runs. Absent runs are omitted.
type RunReport struct {
	Orders     *ingest.Stats `json:"orders,omitempty"`
	OrderItems *ingest.Stats `json:"order_items,omitempty"`
	Inventory  *ingest.Stats `json:"inventory,omitempty"`
}

// ingestAll runs the enabled flows in sequence. A lock conflict or a storage
// failure while starting a run is returned; chunk failures only show in the stats.
func ingestAll(ctx context.Context, deps *dependencies, opts options, logger zerolog.Logger) (RunReport, error) {
	var report RunReport
	orch := deps.orchestrator

	if opts.initializeDB && !opts.dryRun {
		if err := deps.store.Initialize(ctx); err != nil {
			return report, err
		}
	}

	if !opts.skipOrders {
		var err error
		if opts.start.IsZero() {
			report.Orders, err = orch.ProcessOrdersIncremental(ctx, opts.end)
		} else {
			report.Orders, err = orch.ProcessOrders(ctx, opts.start, opts.end)
		}
		if err != nil {
			return report, fmt.Errorf("orders: %w", err)
		}
	}

	if len(opts.orderIDs) > 0 {
		var err error
		if report.OrderItems, err = orch.ProcessOrderItems(ctx, opts.orderIDs); err != nil {
			return report, fmt.Errorf("order items: %w", err)
		}
	}

	if !opts.skipInventory && ctx.Err() == nil {
		if !opts.skipOrders {
			// Pause between the flows as between chunks.
			deps.pause(ctx)
		}
		var err error
		if report.Inventory, err = orch.ProcessInventory(ctx, opts.skus); err != nil {
			return report, fmt.Errorf("inventory: %w", err)
		}
	}

	logger.Info().Msg("Ingestion finished")
	return report, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
