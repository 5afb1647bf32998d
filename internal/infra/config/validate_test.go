package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty base url", func(c *Config) { c.Server.BaseURL = "" }, "server.base_url must not be empty"},
		{"bad scheme", func(c *Config) { c.Server.BaseURL = "ws://host" }, "scheme must be http or https"},
		{"no host", func(c *Config) { c.Server.BaseURL = "https://" }, "has no host"},
		{"unparseable", func(c *Config) { c.Server.BaseURL = "http://[::1" }, "is not a valid URL"},
		{"ws path", func(c *Config) { c.Server.WSPath = "updates" }, "server.ws_path must start with"},
		{"timeout", func(c *Config) { c.Server.Timeout = 0 }, "server.timeout must be > 0"},
		{"platform", func(c *Config) { c.Client.Platform = "" }, "client.platform must not be empty"},
		{"response limit", func(c *Config) { c.Upload.MaxResponseBytes = 0 }, "upload.max_response_bytes must be > 0"},
		{"empty platform name", func(c *Config) { c.Upload.SupportedPlatforms = []string{"web", ""} }, "must not contain empty names"},
		{"breaker failures", func(c *Config) { c.Upload.CircuitBreaker.MaxFailures = 0 }, "max_failures must be > 0"},
		{"breaker timeout", func(c *Config) { c.Upload.CircuitBreaker.Timeout = -time.Second }, "circuit_breaker.timeout must be > 0"},
		{"send rate", func(c *Config) { c.Transport.SendRate = 0 }, "transport.send_rate must be > 0"},
		{"send burst", func(c *Config) { c.Transport.SendBurst = 0 }, "transport.send_burst must be >= 1"},
		{"request timeout", func(c *Config) { c.Transport.RequestTimeout = 0 }, "transport.request_timeout must be > 0"},
		{"store path", func(c *Config) { c.Store.Path = "" }, "store.path must not be empty"},
		{"log level", func(c *Config) { c.Logger.Level = "verbose" }, "logger.level"},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"log output", func(c *Config) { c.Logger.Output = "" }, "logger.output must not be empty"},
		{"exporter", func(c *Config) { c.Tracer.Enabled = true; c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateDisabledBreakerSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Upload.CircuitBreaker = CircuitBreakerConfig{Enabled: false}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDisabledTracerIgnoresExporter(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Exporter = "jaeger"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Timeout = 0
	cfg.Client.Platform = ""
	cfg.Store.Path = ""

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
	assertContains(t, err.Error(), "config validation failed:\n  - ")
}
