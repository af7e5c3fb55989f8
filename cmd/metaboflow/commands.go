package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/metaboflow/metaboflow/pkg/config"
	"github.com/metaboflow/metaboflow/pkg/history"
	"github.com/metaboflow/metaboflow/pkg/msdata"
	"github.com/metaboflow/metaboflow/pkg/telemetry"
	"github.com/metaboflow/metaboflow/pkg/tui"
	"github.com/metaboflow/metaboflow/pkg/watch"
)

// Additional CLI flags
var (
	// Info flags
	jsonOutput bool

	// History flags
	historyLimit int
	pruneAge     time.Duration

	// Watch flags
	watchDebounce   time.Duration
	watchExtensions []string
)

var parseCmd = &cobra.Command{
	Use:     "parse <input-file>",
	Aliases: []string{"info"},
	Short:   "Parse a file and display what it contains",
	Long: `Parse an mzML or mzXML file and display spectrum counts, scan and
retention-time ranges, and decode diagnostics without running any stage.

Examples:
  metaboflow parse sample.mzML
  metaboflow parse sample.mzXML --json`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past workflow runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run record as JSON (\"last\" shows the most recent run)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete one run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete run records older than the retention window",
	RunE:  runHistoryPrune,
}

var watchCmd = &cobra.Command{
	Use:   "watch <directory>",
	Short: "Watch a directory and process instrument files as they land",
	Long: `Watch a directory for new mzML/mzXML files and run the workflow on
each file once its writes have settled.

Examples:
  metaboflow watch /data/instrument-drop
  metaboflow watch --debounce 2s --ext .mzml,.mzxml /data/drop
  metaboflow watch --steps peak_detection,alignment /data/drop`,
	Args: cobra.ExactArgs(1),
	RunE: runWatchCmd,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the current configuration to ~/.metaboflow/config.yaml",
	RunE:  runConfigInit,
}

func init() {
	parseCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum records to list")
	historyPruneCmd.Flags().DurationVar(&pruneAge, "older-than", 0, "Override the configured retention window")
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyPruneCmd)

	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "Settle interval before a file is processed")
	watchCmd.Flags().StringSliceVar(&watchExtensions, "ext", nil, "File extensions to watch")
	watchCmd.Flags().StringVar(&stepsFlag, "steps", "", "Comma-separated step types to run (default: all)")
	watchCmd.Flags().StringVarP(&workflowFile, "workflow", "w", "", "Workflow definition YAML file")
	watchCmd.Flags().BoolVar(&allowDegraded, "allow-degraded", false, "Process documents that parsed without usable peak data")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	path := args[0]
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	start := time.Now()
	res, err := msdata.Parse(raw, filepath.Base(path))
	if err != nil {
		return err
	}
	doc := res.Document

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	peaks := 0
	for _, sp := range doc.Spectra {
		peaks += len(sp.Peaks)
	}

	tui.PrintParseReport(doc.FileName, res.Format.String(), len(doc.Spectra), peaks, doc.Degraded, time.Since(start))
	fmt.Printf("    size: %s\n", tui.FormatBytes(int64(len(raw))))
	if doc.InstrumentModel != "" {
		fmt.Printf("    instrument: %s\n", doc.InstrumentModel)
	}
	fmt.Printf("    ms levels: %v  scans: %g-%g  rt: %.2f-%.2f min\n",
		doc.MSLevels, doc.ScanRange.Min, doc.ScanRange.Max, doc.RTRange.Min, doc.RTRange.Max)
	for _, derr := range res.DecodeErrs {
		fmt.Printf("    decode: %v\n", derr)
	}
	if doc.Degraded {
		fmt.Printf("    degraded: %s\n", doc.DegradedReason)
	}
	return nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openHistoryStore(ctx, config.Global().Get())
	if err != nil {
		return err
	}

	recs, err := store.List(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-8s  %s\n", "RUN", "STARTED", "STATUS", "STEPS")
	for _, rec := range recs {
		status := "ok"
		switch {
		case rec.Canceled:
			status = "canceled"
		case !rec.Success:
			status = "failed"
		}
		names := make([]string, len(rec.Steps))
		for i, s := range rec.Steps {
			names[i] = string(s.Type)
		}
		fmt.Printf("%-36s  %-20s  %-8s  %s\n",
			rec.RunID, rec.StartedAt.Format("2006-01-02 15:04:05"), status, strings.Join(names, ","))
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openHistoryStore(ctx, config.Global().Get())
	if err != nil {
		return err
	}

	var rec *history.Record
	if args[0] == "last" {
		recs, lerr := store.List(ctx, 1)
		if lerr != nil {
			return lerr
		}
		if len(recs) == 0 {
			return fmt.Errorf("no recorded runs")
		}
		rec = recs[0]
	} else {
		var lerr error
		rec, lerr = store.Load(ctx, args[0])
		if lerr != nil {
			return lerr
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openHistoryStore(ctx, config.Global().Get())
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", args[0])
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()
	age := pruneAge
	if age == 0 {
		age = cfg.History.Retention
	}

	ctx := context.Background()
	store, err := openHistoryStore(ctx, cfg)
	if err != nil {
		return err
	}

	n, err := store.Prune(ctx, age)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d run records older than %s\n", n, age)
	return nil
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()
	dir := args[0]

	steps, err := resolveSteps()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	exts := watchExtensions
	if len(exts) == 0 {
		exts = cfg.Watch.Extensions
	}
	watcher, err := watch.NewWatcher(exts...)
	if err != nil {
		return err
	}
	defer watcher.Close()

	debounce := watchDebounce
	if debounce == 0 {
		debounce = time.Duration(cfg.Watch.DebounceMs) * time.Millisecond
	}
	watcher.SetDebounce(debounce)

	if err := watcher.Watch(dir); err != nil {
		return err
	}

	store, storeErr := openHistoryStore(ctx, cfg)

	engine := buildEngine(cfg, len(steps))

	watcher.OnFile = func(path string) error {
		fmt.Printf("\n  %s\n", path)
		docs, sources, err := parseInputs(ctx, []string{path})
		if err != nil {
			return err
		}
		res, err := engine.Run(ctx, steps, docs)
		tui.ClearLine()
		if err != nil {
			return err
		}
		tui.PrintRunSummary(res)
		if storeErr == nil {
			if err := store.Save(ctx, history.NewRecord(res, steps, sources)); err != nil && verbose {
				fmt.Fprintf(os.Stderr, "history save failed: %v\n", err)
			}
		}
		return nil
	}
	watcher.OnError = func(path string, err error) {
		fmt.Fprintf(os.Stderr, "  watch error (%s): %v\n", path, err)
	}

	fmt.Printf("Watching %s for %s files. Press Ctrl+C to stop.\n", dir, strings.Join(exts, "/"))
	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	mgr := config.Global()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(mgr.Get()); err != nil {
		return err
	}
	if paths := mgr.GetPaths(); len(paths) > 0 {
		fmt.Fprintf(os.Stderr, "Loaded from: %s\n", strings.Join(paths, ", "))
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.Global().Save(); err != nil {
		return err
	}
	fmt.Println("Configuration written.")
	return nil
}

// openHistoryStore builds the run-record store selected by config.
func openHistoryStore(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "file":
		return history.NewFileStore(cfg.History.Dir)
	case "redis":
		rc := history.DefaultRedisConfig(cfg.History.Redis.Address)
		rc.Password = cfg.History.Redis.Password
		rc.Database = cfg.History.Redis.Database
		rc.TTL = cfg.History.Retention
		return history.NewRedisStore(ctx, rc)
	case "s3":
		sc := history.DefaultS3Config(cfg.History.S3.Bucket)
		sc.Region = cfg.History.S3.Region
		sc.Endpoint = cfg.History.S3.Endpoint
		return history.NewS3Store(ctx, sc)
	default:
		return nil, fmt.Errorf("unknown history backend: %s", cfg.History.Backend)
	}
}

// Telemetry is process-global: initialized once by whichever command
// runs first, torn down on exit.
var telemetryExporter *telemetry.Exporter

func initTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	if !cfg.Telemetry.Enabled {
		return func() {}, nil
	}

	otlp := telemetry.DefaultOTLPConfig("metaboflow")
	otlp.Endpoint = cfg.Telemetry.Endpoint
	otlp.ServiceVersion = version

	exporter := telemetry.NewExporter(otlp)
	shutdown, err := exporter.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	telemetryExporter = exporter

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil && verbose {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}, nil
}

func activeExporter() *telemetry.Exporter {
	if telemetryExporter != nil && telemetryExporter.IsInitialized() {
		return telemetryExporter
	}
	return nil
}
