package observability

import (
	"context"
	"testing"

	"servicedesk/internal/config"
)

func TestSetupTracing_Disabled_NoOp(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestEndpointHost_Parse(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Fatalf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSampleRatioAndServiceName(t *testing.T) {
	for _, ratio := range []float64{-0.1, 0, 1.5} {
		if got := sampleRatio(config.TracingConfig{SampleRatio: ratio}); got != 0.1 {
			t.Errorf("sampleRatio(%v) = %v, want 0.1", ratio, got)
		}
	}
	if got := sampleRatio(config.TracingConfig{SampleRatio: 0.5}); got != 0.5 {
		t.Errorf("sampleRatio(0.5) = %v", got)
	}
	if got := serviceName(config.TracingConfig{}); got != "servicedesk" {
		t.Errorf("serviceName default = %q", got)
	}
	if got := serviceName(config.TracingConfig{ServiceName: "sla-worker"}); got != "sla-worker" {
		t.Errorf("serviceName = %q", got)
	}
}

func TestSetupTracing_Enabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = true
	cfg.Monitoring.Tracing.Insecure = true

	// 导出器是惰性连接的，失败也可以接受
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
