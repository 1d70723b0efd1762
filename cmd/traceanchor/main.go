// Trace anchoring service and CLI
// Fetches observability traces, commits their canonical spans to a Merkle root, and posts the root to a ledger
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andrewh/traceanchor/pkg/anchor"
	"github.com/andrewh/traceanchor/pkg/config"
	"github.com/andrewh/traceanchor/pkg/ledger"
	"github.com/andrewh/traceanchor/pkg/telemetry"
	"github.com/andrewh/traceanchor/pkg/tracefetch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "traceanchor",
		Short:        "Commit observability traces to Merkle roots and anchor them on a ledger",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(anchorCmd())
	root.AddCommand(rootHashCmd())
	root.AddCommand(proveCmd())
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "traceanchor %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

// flagBinding maps a config key onto the flag that overrides it.
type flagBinding struct {
	key  string
	flag string
	kind string
	help string
}

var serviceFlags = []flagBinding{
	{"observability.base_url", "observability-url", "string", "observability service base URL"},
	{"observability.timeout", "observability-timeout", "duration", "timeout for one trace fetch"},
	{"anchor.parallel_threshold", "parallel-threshold", "int", "span count at which encoding fans out"},
	{"ledger.base_url", "ledger-url", "string", "ledger base URL (empty disables submission)"},
	{"ledger.api_key", "ledger-api-key", "string", "ledger API key sent as x-api-key"},
	{"ledger.agent_id", "agent-id", "string", "agent identifier recorded with each anchor"},
	{"ledger.auth_did", "auth-did", "string", "ledger auth DID used in the submission path"},
	{"ledger.timeout", "ledger-timeout", "duration", "timeout for one ledger submission"},
	{"ledger.failure_policy", "failure-policy", "string", "ledger failure policy: fail-open or fail-closed"},
	{"ledger.signing_seed", "signing-seed", "string", "hex ed25519 seed for signing anchor records"},
	{"telemetry.exporter", "telemetry-exporter", "string", "telemetry exporter: none, stdout, or otlp"},
	{"telemetry.endpoint", "telemetry-endpoint", "string", "OTLP endpoint (e.g. localhost:4318)"},
	{"telemetry.protocol", "telemetry-protocol", "string", "OTLP protocol (http/protobuf or grpc)"},
	{"telemetry.signals", "telemetry-signals", "string", "comma-separated signals to emit: traces,metrics,logs"},
}

// addConfigFlags registers one flag per binding, defaulted from v, and binds
// it so a changed flag overrides file and environment values.
func addConfigFlags(cmd *cobra.Command, v *viper.Viper, bindings []flagBinding) {
	f := cmd.Flags()
	for _, b := range bindings {
		switch b.kind {
		case "duration":
			f.Duration(b.flag, v.GetDuration(b.key), b.help)
		case "int":
			f.Int(b.flag, v.GetInt(b.key), b.help)
		default:
			f.String(b.flag, v.GetString(b.key), b.help)
		}
		_ = v.BindPFlag(b.key, f.Lookup(b.flag))
	}
}

func loadConfig(v *viper.Viper, path string) (*config.Config, error) {
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// buildAnchorer wires the pipeline from cfg and the telemetry providers.
func buildAnchorer(cfg *config.Config, providers *telemetry.Providers) (*anchor.Anchorer, error) {
	if cfg.Observability.BaseURL == "" {
		return nil, fmt.Errorf("missing observability base URL\n\n" +
			"Set it with --observability-url or TRACEANCHOR_OBSERVABILITY_BASE_URL")
	}
	policy, err := anchor.ParsePolicy(cfg.Ledger.FailurePolicy)
	if err != nil {
		return nil, err
	}

	a := &anchor.Anchorer{
		Source:            tracefetch.NewClient(cfg.Observability.BaseURL, cfg.Observability.Timeout),
		Policy:            policy,
		ParallelThreshold: cfg.Anchor.ParallelThreshold,
		Tracer:            providers.Tracer.Tracer("traceanchor"),
	}
	if cfg.Ledger.BaseURL != "" {
		lc, err := cfg.LedgerConfig()
		if err != nil {
			return nil, err
		}
		a.Ledger = ledger.NewSubmitter(lc)
	}

	metricObs, err := anchor.NewMetricObserver(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating metric observer: %w", err)
	}
	a.Observers = []anchor.Observer{anchor.NewLogObserver(providers.Logger), metricObs}
	return a, nil
}

func setupTelemetry(ctx context.Context, cfg *config.Config, w io.Writer) (*telemetry.Providers, func(), error) {
	providers, shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Signals:  cfg.Telemetry.Signals,
		Version:  version,
		Writer:   w,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	return providers, shutdown, nil
}
