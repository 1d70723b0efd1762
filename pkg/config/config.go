// Process configuration for traceanchor
// Loaded once at startup from an optional YAML file, TRACEANCHOR_* environment variables and flags
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andrewh/traceanchor/pkg/anchor"
	"github.com/andrewh/traceanchor/pkg/ledger"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "TRACEANCHOR"

// Config is the complete process configuration.
type Config struct {
	Server        Server        `mapstructure:"server"`
	Observability Observability `mapstructure:"observability"`
	Anchor        Anchor        `mapstructure:"anchor"`
	Ledger        Ledger        `mapstructure:"ledger"`
	Telemetry     Telemetry     `mapstructure:"telemetry"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Observability locates the trace source.
type Observability struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Anchor tunes the pipeline.
type Anchor struct {
	ParallelThreshold int `mapstructure:"parallel_threshold"`
}

// Ledger configures anchor submission. An empty BaseURL disables it.
type Ledger struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	AgentID       string        `mapstructure:"agent_id"`
	AuthDID       string        `mapstructure:"auth_did"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FailurePolicy string        `mapstructure:"failure_policy"`
	SigningSeed   string        `mapstructure:"signing_seed"`
}

// Telemetry selects where the process's own traces, metrics and logs go.
type Telemetry struct {
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
	Protocol string `mapstructure:"protocol"`
	Signals  string `mapstructure:"signals"`
}

var defaults = map[string]any{
	"server.addr":               ":8080",
	"server.shutdown_timeout":   10 * time.Second,
	"observability.base_url":    "",
	"observability.timeout":     10 * time.Second,
	"anchor.parallel_threshold": anchor.DefaultParallelThreshold,
	"ledger.base_url":           "",
	"ledger.api_key":            "",
	"ledger.agent_id":           "traceanchor",
	"ledger.auth_did":           "",
	"ledger.timeout":            10 * time.Second,
	"ledger.failure_policy":     string(anchor.FailOpen),
	"ledger.signing_seed":       "",
	"telemetry.exporter":        "stdout",
	"telemetry.endpoint":        "",
	"telemetry.protocol":        "http/protobuf",
	"telemetry.signals":         "logs",
}

// NewViper returns a viper instance carrying the defaults and the
// TRACEANCHOR_* environment binding. Callers bind flags onto it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v and decodes the result.
// Precedence, highest first: bound flags, environment, file, defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Observability.BaseURL = strings.TrimSpace(cfg.Observability.BaseURL)
	cfg.Ledger.BaseURL = strings.TrimSpace(cfg.Ledger.BaseURL)
	return &cfg, nil
}

var validExporters = map[string]bool{
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must be set"))
	}
	if err := checkURL("observability.base_url", c.Observability.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Observability.Timeout < 0 {
		errs = append(errs, fmt.Errorf("observability.timeout must not be negative, got %s", c.Observability.Timeout))
	}

	if err := checkURL("ledger.base_url", c.Ledger.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.BaseURL != "" && c.Ledger.AuthDID == "" {
		errs = append(errs, errors.New("ledger.auth_did must be set when ledger.base_url is set"))
	}
	if c.Ledger.Timeout < 0 {
		errs = append(errs, fmt.Errorf("ledger.timeout must not be negative, got %s", c.Ledger.Timeout))
	}
	if _, err := anchor.ParsePolicy(c.Ledger.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.SigningSeed != "" {
		if _, err := ledger.KeyFromSeed(c.Ledger.SigningSeed); err != nil {
			errs = append(errs, fmt.Errorf("ledger.signing_seed: %w", err))
		}
	}

	if !validExporters[c.Telemetry.Exporter] {
		errs = append(errs, fmt.Errorf("unsupported telemetry exporter %q, supported: none, stdout, otlp", c.Telemetry.Exporter))
	}
	if !validProtocols[c.Telemetry.Protocol] {
		errs = append(errs, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", c.Telemetry.Protocol))
	}

	return errors.Join(errs...)
}

// LedgerConfig converts the ledger section for ledger.NewSubmitter.
func (c *Config) LedgerConfig() (ledger.Config, error) {
	lc := ledger.Config{
		BaseURL: c.Ledger.BaseURL,
		APIKey:  c.Ledger.APIKey,
		AgentID: c.Ledger.AgentID,
		AuthDID: c.Ledger.AuthDID,
		Timeout: c.Ledger.Timeout,
	}
	if c.Ledger.SigningSeed != "" {
		key, err := ledger.KeyFromSeed(c.Ledger.SigningSeed)
		if err != nil {
			return ledger.Config{}, err
		}
		lc.SigningKey = key
	}
	return lc, nil
}

func checkURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", name, raw)
	}
	return nil
}
