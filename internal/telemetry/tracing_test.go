package telemetry

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/rjboer/pabench/internal/logging"
)

func TestTracingConfigFromEnv(t *testing.T) {
	cfg := TracingConfigFromEnv(func(string) (string, bool) { return "", false })
	if cfg.Enabled || cfg.Exporter != "stdout" || cfg.ServiceName != "pasweep" || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	env := map[string]string{
		"PABENCH_TRACING_ENABLED":  "TRUE",
		"PABENCH_TRACING_EXPORTER": "OTLP",
		"PABENCH_OTLP_ENDPOINT":    "collector:4317",
	}
	cfg = TracingConfigFromEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	logger := logging.New(logging.Error, logging.Text, io.Discard)
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled: true, ServiceName: "test", Exporter: "stdout", SampleRatio: 1, Writer: &buf,
	}, logger)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "sweep.point")
	span.End()
	ShutdownTracing(context.Background(), shutdown, logger)

	if !strings.Contains(buf.String(), "sweep.point") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInitTracingRejectsBadConfig(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, SampleRatio: 2}, nil); err == nil {
		t.Fatalf("expected sample ratio error")
	}
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil || shutdown(context.Background()) != nil {
		t.Fatalf("disabled tracing should be a noop: %v", err)
	}
}
