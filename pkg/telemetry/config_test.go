package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config is invalid: %v", err)
	}
	if cfg.Enabled {
		t.Error("Telemetry should default to disabled")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.1 }},
		{"sample rate above one", func(c *Config) { c.SampleRate = 1.5 }},
		{"zero export timeout", func(c *Config) { c.ExportTimeout = 0 }},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"graphite"} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NORKV_TELEMETRY_SERVICE_NAME", "norkv-test")
	t.Setenv("NORKV_TELEMETRY_ENABLED", "true")
	t.Setenv("NORKV_TELEMETRY_EXPORTERS", "stdout, otlp")
	t.Setenv("NORKV_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("NORKV_TELEMETRY_BATCH_TIMEOUT", "2s")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "norkv-test" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if !cfg.Enabled {
		t.Error("Enabled not overridden")
	}
	if len(cfg.Exporters) != 2 || cfg.Exporters[0] != "stdout" || cfg.Exporters[1] != "otlp" {
		t.Errorf("Exporters = %v", cfg.Exporters)
	}
	if cfg.SampleRate != 0.25 {
		t.Errorf("SampleRate = %f", cfg.SampleRate)
	}
	if cfg.BatchTimeout != 2*time.Second {
		t.Errorf("BatchTimeout = %s", cfg.BatchTimeout)
	}
}

func TestHasExporter(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.HasExporter("stdout") {
		t.Error("stdout exporter not reported")
	}
	if cfg.HasExporter("otlp") {
		t.Error("otlp exporter reported but not configured")
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Disabled telemetry is %T, want NoopTelemetry", tel)
	}
}
