// Kline sync CLI
// This application ingests OHLCV candle history for a single symbol
// and interval from the exchange klines endpoint into a local database,
// and verifies the completeness of what is stored.
//
// Usage:
//
//	klinesync ingest [--start 2024-01-01] [--end 2024-01-31]
//	klinesync verify [--start 2024-01-01] [--end 2024-01-31] [--json]
//	klinesync status
//
// For detailed help on any command, use: klinesync <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klinesync/klinesync/internal/config"
	"github.com/klinesync/klinesync/internal/ingest"
	"github.com/klinesync/klinesync/internal/logger"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/source"
	"github.com/klinesync/klinesync/internal/storage"
	"github.com/klinesync/klinesync/internal/validator"
	"github.com/klinesync/klinesync/internal/verify"
)

const (
	Version    = "1.0.0"
	AppName    = "klinesync"
	ConfigFile = "klinesync.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

// CLI wires the pipeline components for command execution.
type CLI struct {
	config    *config.AppConfig
	logger    *slog.Logger
	logCloser io.Closer
	store     storage.Store
	stream    models.Stream
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		printUsage()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown()

	var err error
	switch command {
	case "ingest":
		err = cli.handleIngest(ctx, args)
	case "verify":
		err = cli.handleVerify(ctx, args)
	case "status":
		err = cli.handleStatus(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		printUsage()
		cli.shutdown()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		code := ExitDataError
		if errors.Is(err, ingest.ErrInterrupted) {
			cli.logger.Warn("run interrupted, committed data is intact and resumable")
			code = ExitInterrupt
		} else {
			cli.logger.Error("command failed", "command", command, "error", err)
		}
		cli.shutdown()
		os.Exit(code)
	}
}

// initialize loads configuration and opens the shared components.
func (cli *CLI) initialize(ctx context.Context) error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat(ConfigFile); err == nil {
			configPath = ConfigFile
		}
	}

	cfg, err := config.Load(configPath, slog.Default())
	if err != nil {
		return err
	}
	cli.config = cfg

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logger = log
	cli.logCloser = closer
	slog.SetDefault(log)

	cli.stream = cfg.ToStream()

	store, err := createStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	cli.store = store

	return nil
}

func (cli *CLI) shutdown() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Error("failed to close storage", "error", err)
		}
		cli.store = nil
	}
	if cli.logCloser != nil {
		cli.logCloser.Close()
		cli.logCloser = nil
	}
}

func createStore(cfg *config.AppConfig, log *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "duckdb":
		return storage.NewDuckDBStore(cfg.Storage.DBPath, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}
}

// handleIngest runs the fetch loop from the resume point (or an
// explicit range) to the most recent closed candle.
func (cli *CLI) handleIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	startFlag := fs.String("start", "", "start date (YYYY-MM-DD, RFC3339, or ms epoch); default resumes from the store")
	endFlag := fs.String("end", "", "end date (YYYY-MM-DD, RFC3339, or ms epoch); default is the latest closed candle")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start, err := parseTimeArg(*startFlag)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTimeArg(*endFlag)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}
	if start == 0 && cli.config.Stream.OriginTime > 0 {
		// Only applies when the store is empty; the orchestrator
		// prefers the cursor otherwise.
		if _, found, err := cli.store.LatestOpenTime(ctx); err != nil {
			return err
		} else if !found {
			start = cli.config.Stream.OriginTime
		}
	}

	client := source.NewClient(cli.stream, source.Options{
		BaseURL:      cli.config.Source.BaseURL,
		RequestDelay: cli.config.RequestDelay(),
		MaxRetries:   cli.config.Source.MaxRetries,
		Timeout:      cli.config.HTTPTimeout(),
		Logger:       cli.logger,
	})

	v := validator.New(cli.config.Validator.RejectThreshold, cli.logger)

	orch, err := ingest.New(cli.stream, cli.store, client, v, ingest.Options{
		BatchSize: cli.config.Source.BatchSize,
		Logger:    cli.logger,
		Progress: func(ev ingest.ProgressEvent) {
			fmt.Fprintf(os.Stderr, "\rfetched=%d inserted=%d cursor=%s",
				ev.Fetched, ev.Inserted,
				time.UnixMilli(ev.Cursor).UTC().Format("2006-01-02 15:04"))
		},
	})
	if err != nil {
		return err
	}

	stats, runErr := orch.Run(ctx, start, end)
	fmt.Fprintln(os.Stderr)
	if stats != nil {
		fmt.Printf("Ingest %s: %d requests, %d fetched, %d inserted, %d duplicates, %d rejected in %s\n",
			stats.StreamID, stats.Requests, stats.RecordsFetched, stats.RecordsInserted,
			stats.Duplicates, stats.RecordsRejected, stats.Elapsed.Round(time.Millisecond))
	}
	if runErr != nil {
		// Committed batches survive any failure; rerunning without
		// --start continues from here.
		if latest, found, lerr := cli.store.LatestOpenTime(context.WithoutCancel(ctx)); lerr == nil && found {
			fmt.Printf("Resumable from %s (rerun ingest without --start)\n",
				time.UnixMilli(latest).UTC().Format(time.RFC3339))
		}
	}
	return runErr
}

// handleVerify audits the stored range and prints the completeness
// report. A corruption finding fails the command.
func (cli *CLI) handleVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	startFlag := fs.String("start", "", "range start (YYYY-MM-DD, RFC3339, or ms epoch); default is the earliest stored candle")
	endFlag := fs.String("end", "", "range end (YYYY-MM-DD, RFC3339, or ms epoch); default is the latest stored candle")
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	from, err := parseTimeArg(*startFlag)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	to, err := parseTimeArg(*endFlag)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	verifier, err := verify.New(cli.stream, cli.store, cli.logger)
	if err != nil {
		return err
	}

	report, err := verifier.Verify(ctx, from, to)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	return report.Corruption()
}

// handleStatus prints store statistics and the last run outcome.
func (cli *CLI) handleStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stats, err := cli.store.Stats(ctx)
	if err != nil {
		return err
	}
	lastRun, err := cli.store.LastRun(ctx, cli.stream.ID())
	if err != nil {
		return err
	}

	if *jsonOut {
		out := struct {
			Stream  string           `json:"stream"`
			Stats   *storage.Stats   `json:"stats"`
			LastRun *models.FetchRun `json:"last_run,omitempty"`
		}{cli.stream.ID(), stats, lastRun}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Stream:    %s\n", cli.stream.ID())
	fmt.Printf("Candles:   %d\n", stats.TotalCandles)
	if stats.TotalCandles > 0 {
		fmt.Printf("Earliest:  %s\n", time.UnixMilli(stats.EarliestOpen).UTC().Format(time.RFC3339))
		fmt.Printf("Latest:    %s\n", time.UnixMilli(stats.LatestOpen).UTC().Format(time.RFC3339))
	}
	fmt.Printf("Runs:      %d\n", stats.TotalRuns)
	if lastRun != nil {
		fmt.Printf("Last run:  %s (%d records, started %s)\n",
			lastRun.Status, lastRun.RecordsFetched,
			lastRun.StartedAt.Format(time.RFC3339))
		if lastRun.Error != "" {
			fmt.Printf("Last error: %s\n", lastRun.Error)
		}
	}
	return nil
}

func printReport(r *verify.Report) {
	fmt.Printf("Verification %s [%s .. %s]\n",
		r.StreamID,
		time.UnixMilli(r.From).UTC().Format(time.RFC3339),
		time.UnixMilli(r.To).UTC().Format(time.RFC3339))
	fmt.Printf("  Expected:     %d\n", r.TotalExpected)
	fmt.Printf("  Present:      %d\n", r.TotalPresent)
	fmt.Printf("  Completeness: %.2f%%\n", r.CompletenessPct)
	fmt.Printf("  Missing:      %d candles in %d gaps\n", r.MissingCandles, len(r.Gaps))
	for _, g := range r.Gaps {
		fmt.Printf("    gap %s .. %s (%d candles)\n",
			time.UnixMilli(g.Start).UTC().Format(time.RFC3339),
			time.UnixMilli(g.End).UTC().Format(time.RFC3339),
			g.MissingCount(r.StepMillis))
	}
	if r.DuplicateCount > 0 || r.OrderingErrors > 0 {
		fmt.Printf("  CORRUPTION:   %d duplicates, %d ordering violations\n",
			r.DuplicateCount, r.OrderingErrors)
	}
	if r.Complete() {
		fmt.Println("  Result:       complete")
	}
}

// parseTimeArg accepts a YYYY-MM-DD date, an RFC3339 timestamp, or a
// raw millisecond epoch. Empty means unset (0).
func parseTimeArg(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil || ms <= 0 {
		return 0, fmt.Errorf("expected YYYY-MM-DD, RFC3339, or ms epoch, got %q", s)
	}
	return ms, nil
}

func printUsage() {
	fmt.Printf(`%s - OHLCV candle ingestion and verification

Usage:
  %s <command> [flags]

Commands:
  ingest    Fetch candles from the source into the local database
  verify    Audit stored candles for completeness and corruption
  status    Show store statistics and the last run outcome

Flags:
  --version    Print version
  --help       Print this help

Configuration is read from %s (or $CONFIG_PATH) with environment
variable overrides (SYMBOL, INTERVAL, DB_PATH, REQUEST_DELAY_MS,
MAX_RETRIES, BATCH_SIZE, LOG_LEVEL, ...).
`, AppName, AppName, ConfigFile)
}
