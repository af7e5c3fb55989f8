package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/metaboflow/metaboflow/pkg/config"
	"github.com/metaboflow/metaboflow/pkg/server"
	"github.com/metaboflow/metaboflow/pkg/telemetry"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the processing service",
	Long: `Start the HTTP processing service.

The service provides:
  - POST /process for single-stage execution (the remote-executor protocol)
  - POST /v1/run for full workflow runs
  - GET /v1/runs for run history
  - GET /health for liveness checks

Another MetaboFlow instance can use this service as its remote executor
via --remote or the remote.url config key.

Examples:
  metaboflow serve                  # Start on the configured port (8077)
  metaboflow serve --port 3000
  metaboflow serve --host 0.0.0.0   # Listen on all interfaces`,
	RunE: runServe,
}

func init() {
	cfg := config.Global().Get()

	serveCmd.Flags().IntVarP(&servePort, "port", "p", cfg.Server.Port, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", cfg.Server.Host, "Host to bind to")
	serveCmd.Flags().BoolVar(&allowDegraded, "allow-degraded", false, "Process documents that parsed without usable peak data")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	store, err := openHistoryStore(ctx, cfg)
	if err != nil {
		return err
	}

	var opts []workflow.Option
	if allowDegraded || cfg.Workflow.AllowDegraded {
		opts = append(opts, workflow.WithAllowDegraded(true))
	}
	if exporter := activeExporter(); exporter != nil {
		opts = append(opts, workflow.WithObserver(telemetry.NewStageObserver(exporter.Tracer())))
	}

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	srv := server.NewServer(server.Config{
		Addr:   addr,
		Engine: workflow.New(opts...),
		Store:  store,
	})

	fmt.Println()
	fmt.Println("  ╭─────────────────────────────────────╮")
	fmt.Println("  │        METABOFLOW SERVICE           │")
	fmt.Println("  ├─────────────────────────────────────┤")
	fmt.Printf("  │  Listening: %-23s │\n", addr)
	fmt.Println("  │                                     │")
	fmt.Println("  │  Press Ctrl+C to stop               │")
	fmt.Println("  ╰─────────────────────────────────────╯")
	fmt.Println()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}
