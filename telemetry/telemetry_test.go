package telemetry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-digitaltwin/go-twinstate"
	"github.com/go-digitaltwin/go-twinstate/metrics"
	"github.com/go-digitaltwin/go-twinstate/shadowing"
	"github.com/go-digitaltwin/go-twinstate/telemetry"
	"github.com/google/go-cmp/cmp"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		want    telemetry.Config
		wantErr bool
	}{
		{
			name:    "defaults",
			environ: map[string]string{},
			want: telemetry.Config{
				ServiceName:    "twin",
				PrometheusPort: 19090,
				TraceExporter:  telemetry.ExporterNone,
				OTLPEndpoint:   "localhost:4317",
				TraceRatio:     1,
			},
		},
		{
			name: "overrides",
			environ: map[string]string{
				"TWIN_SERVICE_NAME":    "thermostat",
				"TWIN_PROMETHEUS_PORT": "0",
				"TWIN_TRACE_EXPORTER":  "otlp",
				"TWIN_OTLP_ENDPOINT":   "collector:4317",
				"TWIN_OTLP_INSECURE":   "true",
				"TWIN_TRACE_RATIO":     "0.25",
			},
			want: telemetry.Config{
				ServiceName:    "thermostat",
				PrometheusPort: 0,
				TraceExporter:  telemetry.ExporterOTLP,
				OTLPEndpoint:   "collector:4317",
				OTLPInsecure:   true,
				TraceRatio:     0.25,
			},
		},
		{
			name:    "malformed port",
			environ: map[string]string{"TWIN_PROMETHEUS_PORT": "http"},
			wantErr: true,
		},
		{
			name:    "unknown exporter",
			environ: map[string]string{"TWIN_TRACE_EXPORTER": "jaeger"},
			wantErr: true,
		},
		{
			name:    "ratio out of range",
			environ: map[string]string{"TWIN_TRACE_RATIO": "2"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := telemetry.ParseConfig(tt.environ)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseConfig() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func setupTelemetry(t *testing.T, cfg telemetry.Config) *telemetry.Telemetry {
	t.Helper()
	tel, err := telemetry.Init(context.Background(), cfg)
	if err != nil {
		t.Fatal("Init():", err)
	}
	t.Cleanup(func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			t.Error("Encountered an error during cleanup; shutdown telemetry:", err)
		}
	})
	return tel
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal("GET /metrics:", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal("Read body:", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, body:\n%s", resp.StatusCode, body)
	}
	return string(body)
}

// The Prometheus endpoint exposes both families of registry instruments, and the
// instruments of the engine itself.
func TestPrometheusExposition(t *testing.T) {
	tel := setupTelemetry(t, telemetry.Config{ServiceName: "thermostat", TraceExporter: telemetry.ExporterStdout, TraceRatio: 1})
	if tel.Addr() != nil {
		t.Errorf("Addr() = %v, want nil with the endpoint disabled", tel.Addr())
	}

	e, err := shadowing.New(nil, shadowing.Options{
		Name:           "thermostat",
		MeterProvider:  tel.MeterProvider(),
		TracerProvider: tel.TracerProvider(),
		Watch:          []metrics.Watch{{Key: "temperature", Type: metrics.Gauge, Kind: metrics.Float64}},
	})
	if err != nil {
		t.Fatal("New():", err)
	}
	_, err = e.Bind(context.Background(), map[string]twinstate.Description{
		"thermostat": {Properties: []twinstate.PropertyDescription{{Key: "temperature", Type: "double", InitialValue: twinstate.Real(20)}}},
	})
	if err != nil {
		t.Fatal("Bind():", err)
	}
	e.OnPropertyVariation(context.Background(), twinstate.PropertyVariation{Key: "temperature", Value: twinstate.Real(23.5)})

	body := scrape(t, tel.Handler())
	for _, want := range []string{
		"temperature",
		"23.5",
		"shadowing_property_variations",
		"shadowing_transaction_duration",
		`twin="thermostat"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Exposition lacks %q:\n%s", want, body)
		}
	}
}

// A general-purpose instrument named after a watched property is exported next
// to it, in its own scope, without failing the scrape.
func TestPrometheusSharedName(t *testing.T) {
	tel := setupTelemetry(t, telemetry.Config{ServiceName: "thermostat", TraceExporter: telemetry.ExporterNone, TraceRatio: 1})
	e, err := shadowing.New(nil, shadowing.Options{
		Name:          "thermostat",
		MeterProvider: tel.MeterProvider(),
		Watch:         []metrics.Watch{{Key: "temperature", Type: metrics.Gauge, Kind: metrics.Float64}},
	})
	if err != nil {
		t.Fatal("New():", err)
	}
	_, err = e.Bind(context.Background(), map[string]twinstate.Description{
		"thermostat": {Properties: []twinstate.PropertyDescription{{Key: "temperature", Type: "double", InitialValue: twinstate.Real(20)}}},
	})
	if err != nil {
		t.Fatal("Bind():", err)
	}
	if err := e.Metrics().AddInt64Gauge("temperature", 5); err != nil {
		t.Fatal("AddInt64Gauge():", err)
	}

	body := scrape(t, tel.Handler())
	for _, want := range []string{metrics.ObservedScope, metrics.GeneralScope} {
		if !strings.Contains(body, want) {
			t.Errorf("Exposition lacks scope %q:\n%s", want, body)
		}
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	tel := setupTelemetry(t, telemetry.Config{ServiceName: "twin", PrometheusPort: 0, TraceExporter: telemetry.ExporterNone, TraceRatio: 1})
	counter, err := tel.MeterProvider().Meter("test").Int64Counter("updates.count")
	if err != nil {
		t.Fatal("Int64Counter():", err)
	}
	counter.Add(context.Background(), 3)

	body := scrape(t, tel.Handler())
	if !strings.Contains(body, "updates_count") {
		t.Errorf("Exposition lacks the updates counter:\n%s", body)
	}
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	_, err := telemetry.Init(context.Background(), telemetry.Config{TraceExporter: "zipkin"})
	if err == nil {
		t.Error("Init() succeeded with an unsupported exporter, want error")
	}
}
