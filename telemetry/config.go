package telemetry

import (
	"fmt"

	"github.com/caarlos0/env/v7"
)

// Trace exporters supported by Init.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config configures the telemetry of a twin process. Its fields are read from
// the environment; see LoadConfig.
type Config struct {
	ServiceName string `env:"TWIN_SERVICE_NAME" envDefault:"twin"`
	// PrometheusPort is the port of the Prometheus pull endpoint. Zero disables
	// the endpoint; the metrics remain available through Telemetry.Handler.
	PrometheusPort int `env:"TWIN_PROMETHEUS_PORT" envDefault:"19090"`
	// TraceExporter is one of "otlp", "stdout" or "none".
	TraceExporter string  `env:"TWIN_TRACE_EXPORTER" envDefault:"none"`
	OTLPEndpoint  string  `env:"TWIN_OTLP_ENDPOINT"  envDefault:"localhost:4317"`
	OTLPInsecure  bool    `env:"TWIN_OTLP_INSECURE"  envDefault:"false"`
	TraceRatio    float64 `env:"TWIN_TRACE_RATIO"    envDefault:"1.0"`
}

// LoadConfig reads the configuration from the environment of the process.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("telemetry: load config: %w", err)
	}
	return cfg, cfg.validate()
}

// ParseConfig reads the configuration from the given environment instead of the
// environment of the process.
func ParseConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("telemetry: parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.TraceExporter {
	case ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("telemetry: unsupported trace exporter %q", c.TraceExporter)
	}
	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		return fmt.Errorf("telemetry: invalid prometheus port %d", c.PrometheusPort)
	}
	if c.TraceRatio < 0 || c.TraceRatio > 1 {
		return fmt.Errorf("telemetry: trace ratio %v out of [0, 1]", c.TraceRatio)
	}
	return nil
}
