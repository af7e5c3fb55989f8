// MetaboFlow - Metabolomics mass-spec processing workbench
// Parses mzML/mzXML instrument files and runs them through a staged
// processing workflow (peak detection through statistics).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/config"
	"github.com/metaboflow/metaboflow/pkg/export"
	"github.com/metaboflow/metaboflow/pkg/history"
	"github.com/metaboflow/metaboflow/pkg/msdata"
	"github.com/metaboflow/metaboflow/pkg/remote"
	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/telemetry"
	"github.com/metaboflow/metaboflow/pkg/tui"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	workflowFile  string
	stepsFlag     string
	remoteURL     string
	noRemote      bool
	allowDegraded bool
	verbose       bool

	// Export flags
	exportDir       string
	compressionFlag string
	writeReport     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "metaboflow",
	Short: "MetaboFlow - Process metabolomics mass-spec data",
	Long: `MetaboFlow is a CLI tool for processing metabolomics mass spectrometry data.

It parses mzML and mzXML instrument files and runs them through a
configurable workflow: peak detection, alignment, filtering,
normalization, compound identification, and statistical analysis.`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
}

var exportCmd = &cobra.Command{
	Use:   "export <input-files...>",
	Short: "Run the workflow and write exports only",
	Long: `Parse instrument files, run them through the workflow, and write the
Parquet peak table, the DuckDB analysis tables, and an XLSX report
without the interactive run output.

Examples:
  metaboflow export -o ./results samples/*.mzML
  metaboflow export -o ./results --compression zstd samples/*.mzXML`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExportCmd,
}

var runCmd = &cobra.Command{
	Use:   "run <input-files...>",
	Short: "Run the processing workflow over instrument files",
	Long: `Parse instrument files and run them through the processing workflow.

By default all six stages run in canonical order. Use --steps to run a
subset, or --workflow to load a step list (with parameters) from YAML.

Examples:
  metaboflow run samples/*.mzML
  metaboflow run --steps peak_detection,alignment a.mzML b.mzML
  metaboflow run --workflow pipeline.yaml samples/*.mzXML
  metaboflow run --export-dir ./results --report samples/*.mzML
  metaboflow run --remote http://spark-node:8077 samples/*.mzML`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	runCmd.Flags().StringVarP(&workflowFile, "workflow", "w", "", "Workflow definition YAML file")
	runCmd.Flags().StringVar(&stepsFlag, "steps", "", "Comma-separated step types to run (default: all)")
	runCmd.Flags().StringVar(&remoteURL, "remote", "", "Remote processing service URL (overrides config)")
	runCmd.Flags().BoolVar(&noRemote, "no-remote", false, "Force local execution even when a remote is configured")
	runCmd.Flags().BoolVar(&allowDegraded, "allow-degraded", false, "Process documents that parsed without usable peak data")
	runCmd.Flags().StringVarP(&exportDir, "export-dir", "o", "", "Write peaks.parquet and analysis tables to this directory")
	runCmd.Flags().StringVar(&compressionFlag, "compression", "", "Parquet compression (none, snappy, gzip, zstd, lz4)")
	runCmd.Flags().BoolVar(&writeReport, "report", false, "Write an XLSX report alongside the exports")

	exportCmd.Flags().StringVarP(&exportDir, "output", "o", "exports", "Directory for the exported tables and report")
	exportCmd.Flags().StringVar(&compressionFlag, "compression", "", "Parquet compression (none, snappy, gzip, zstd, lz4)")
	exportCmd.Flags().StringVar(&stepsFlag, "steps", "", "Comma-separated step types to run (default: all)")
	exportCmd.Flags().BoolVar(&allowDegraded, "allow-degraded", false, "Process documents that parsed without usable peak data")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
}

func runExportCmd(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()

	steps, err := resolveSteps()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	docs, _, err := parseInputs(ctx, args)
	if err != nil {
		return err
	}

	var opts []workflow.Option
	if allowDegraded || cfg.Workflow.AllowDegraded {
		opts = append(opts, workflow.WithAllowDegraded(true))
	}
	done := make(chan bool)
	go tui.Spinner("processing", done)
	res, err := workflow.New(opts...).Run(ctx, steps, docs)
	close(done)
	if err != nil {
		return err
	}

	writeReport = true
	return exportRun(cfg, res)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()

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

	docs, sources, err := parseInputs(ctx, args)
	if err != nil {
		return err
	}

	if verbose {
		tui.PrintHeader(version)
	}
	tui.PrintWorkflowPlan(sources, steps)

	engine := buildEngine(cfg, len(steps))

	// Ctrl+C stops between stages; the in-flight stage finishes and the
	// partial run is still recorded.
	go func() {
		<-ctx.Done()
		engine.Cancel()
	}()

	res, err := engine.Run(ctx, steps, docs)
	tui.ClearLine()
	if err != nil {
		return err
	}

	tui.PrintRunSummary(res)

	if store, serr := openHistoryStore(ctx, cfg); serr == nil {
		if serr = store.Save(ctx, history.NewRecord(res, steps, sources)); serr != nil && verbose {
			fmt.Fprintf(os.Stderr, "history save failed: %v\n", serr)
		}
	} else if verbose {
		fmt.Fprintf(os.Stderr, "history unavailable: %v\n", serr)
	}

	if exportDir != "" {
		if err := exportRun(cfg, res); err != nil {
			return err
		}
	}

	if !res.Success {
		return fmt.Errorf("workflow finished with failures (run %s)", res.RunID)
	}
	return nil
}

// resolveSteps builds the step list from --workflow, --steps, or the
// canonical six-stage default.
func resolveSteps() ([]stages.StepConfig, error) {
	if workflowFile != "" {
		return loadWorkflowFile(workflowFile)
	}

	types := stages.StepTypes()
	if stepsFlag != "" {
		types = nil
		for _, name := range strings.Split(stepsFlag, ",") {
			types = append(types, stages.StepType(strings.TrimSpace(name)))
		}
	}

	steps := make([]stages.StepConfig, len(types))
	for i, t := range types {
		steps[i] = stages.StepConfig{
			ID:   fmt.Sprintf("step-%d", i+1),
			Type: t,
			Name: string(t),
		}
	}
	return steps, nil
}

// loadWorkflowFile reads a YAML step list. Accepts either a bare list
// or a document with a top-level "steps" key.
func loadWorkflowFile(path string) ([]stages.StepConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var wrapped struct {
		Steps []stages.StepConfig `yaml:"steps"`
	}
	if err := yaml.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Steps) > 0 {
		return normalizeSteps(wrapped.Steps), nil
	}

	var bare []stages.StepConfig
	if err := yaml.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	return normalizeSteps(bare), nil
}

func normalizeSteps(steps []stages.StepConfig) []stages.StepConfig {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		if steps[i].Name == "" {
			steps[i].Name = string(steps[i].Type)
		}
	}
	return steps
}

// parseInputs reads and parses every input file concurrently.
func parseInputs(ctx context.Context, paths []string) ([]*model.SampleDocument, []string, error) {
	files := make(map[string][]byte, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		files[filepath.Base(p)] = raw
	}

	start := time.Now()
	limit := config.Global().Get().Workflow.ParseConcurrency
	results, err := msdata.ParseBatchLimit(ctx, files, limit)
	if err != nil && len(results) == 0 {
		return nil, nil, err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "some inputs failed to parse: %v\n", err)
	}

	docs := make([]*model.SampleDocument, 0, len(results))
	sources := make([]string, 0, len(results))
	for _, r := range results {
		docs = append(docs, r.Document)
		sources = append(sources, r.Document.FileName)
		if verbose {
			peaks := 0
			for _, sp := range r.Document.Spectra {
				peaks += len(sp.Peaks)
			}
			tui.PrintParseReport(r.Document.FileName, r.Format.String(),
				len(r.Document.Spectra), peaks, r.Document.Degraded, time.Since(start))
		}
	}
	return docs, sources, nil
}

// buildEngine wires engine options from config and flags.
func buildEngine(cfg *config.Config, totalSteps int) *workflow.Engine {
	opts := []workflow.Option{
		workflow.WithProgress(tui.ProgressPrinter(totalSteps)),
	}

	if allowDegraded || cfg.Workflow.AllowDegraded {
		opts = append(opts, workflow.WithAllowDegraded(true))
	}

	url := remoteURL
	if url == "" && cfg.Remote.Enabled {
		url = cfg.Remote.URL
	}
	if url != "" && !noRemote {
		opts = append(opts, workflow.WithRemoteExecutor(
			remote.NewClient(url, remote.WithTimeout(cfg.Remote.Timeout))))
	}

	if exporter := activeExporter(); exporter != nil {
		opts = append(opts, workflow.WithObserver(telemetry.NewStageObserver(exporter.Tracer())))
	}

	return workflow.New(opts...)
}

// exportRun writes the parquet peak table, the DuckDB analysis tables,
// and optionally the XLSX report.
func exportRun(cfg *config.Config, res *workflow.RunResult) error {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	compression := compressionFlag
	if compression == "" {
		compression = cfg.Export.Compression
	}

	pw, err := export.NewPeakWriter(filepath.Join(exportDir, "peaks.parquet"), export.PeakWriterConfig{
		Compression: compression,
		BatchSize:   cfg.Export.BatchSize,
	})
	if err != nil {
		return err
	}
	if err := pw.WriteDocuments(res.Documents); err != nil {
		pw.Close()
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}

	ae, err := export.NewAnalysisExporter(exportDir, compression)
	if err != nil {
		return err
	}
	defer ae.Close()
	analysis, err := ae.Export(res.Documents)
	if err != nil {
		return err
	}

	if writeReport {
		if err := export.WriteReport(filepath.Join(exportDir, "report.xlsx"), res); err != nil {
			return err
		}
	}

	fmt.Printf("  Exported %d peak rows, %s features, %s identifications to %s\n",
		pw.RowsWritten(), analysis.Features, analysis.Identifications, exportDir)
	return nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted, finishing current stage...")
		cancel()
	}()

	return ctx, cancel
}
