// serve and anchor commands: the HTTP service and its one-shot CLI equivalent
// Both load configuration once and wire the pipeline the same way
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewh/traceanchor/pkg/anchor"
	"github.com/andrewh/traceanchor/pkg/config"
	"github.com/andrewh/traceanchor/pkg/ledger"
	"github.com/andrewh/traceanchor/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the anchoring HTTP API",
		Long: "Serve the anchoring HTTP API.\n\n" +
			"Endpoints: POST /anchor-trace, POST /compute-merkle-root, GET /healthz, GET /metrics.\n" +
			"Settings come from --config, TRACEANCHOR_* environment variables and flags, in increasing priority.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	addConfigFlags(cmd, v, append([]flagBinding{
		{"server.addr", "addr", "string", "listen address"},
	}, serviceFlags...))

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, shutdownTelemetry, err := setupTelemetry(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	a, err := buildAnchorer(cfg, providers)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)
	a.Observers = append(a.Observers, metrics)

	ledgerState := "disabled"
	if cfg.Ledger.BaseURL != "" {
		ledgerState = fmt.Sprintf("%s (%s)", cfg.Ledger.BaseURL, a.Policy)
	}
	fmt.Fprintf(os.Stderr, "traceanchor %s listening on %s, observability %s, ledger %s\n",
		version, cfg.Server.Addr, cfg.Observability.BaseURL, ledgerState)

	return server.New(a, reg, metrics).Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
}

func anchorCmd() *cobra.Command {
	v := config.NewViper()
	var (
		configPath string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "anchor <trace-id>",
		Short: "Fetch one trace, print its Merkle root and submit it to the ledger",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing trace id\n\nUsage: traceanchor anchor <trace-id>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				return err
			}

			providers, shutdown, err := setupTelemetry(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer shutdown()

			a, err := buildAnchorer(cfg, providers)
			if err != nil {
				return err
			}
			res, err := a.Anchor(cmd.Context(), args[0], ledger.Metadata{RunID: runID})
			if err != nil {
				return err
			}
			return printAnchor(cmd, res)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier recorded with the anchor (default: random UUID)")
	addConfigFlags(cmd, v, serviceFlags)

	return cmd
}

type anchorOutput struct {
	TraceID       string       `json:"trace_id"`
	MerkleRoot    string       `json:"merkle_root"`
	MerkleRootCID string       `json:"merkle_root_cid"`
	SpanCount     int          `json:"span_count"`
	Ledger        ledgerOutput `json:"ledger"`
}

type ledgerOutput struct {
	Status     ledger.Status `json:"status"`
	HTTPStatus int           `json:"http_status,omitempty"`
	RunID      string        `json:"run_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func printAnchor(cmd *cobra.Command, res *anchor.Result) error {
	out := anchorOutput{
		TraceID:       res.TraceID,
		MerkleRoot:    res.RootHex(),
		MerkleRootCID: res.RootCID,
		SpanCount:     res.SpanCount,
		Ledger: ledgerOutput{
			Status:     res.Ledger.Status,
			HTTPStatus: res.Ledger.HTTPStatus,
		},
	}
	if res.Ledger.Record != nil {
		out.Ledger.RunID = res.Ledger.Record.RunID
	}
	if res.Ledger.Err != nil {
		out.Ledger.Error = res.Ledger.Err.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
