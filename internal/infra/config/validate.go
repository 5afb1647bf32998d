package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateClient(cfg, ve)
	validateUpload(cfg, ve)
	validateTransport(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	u, err := url.Parse(cfg.Server.BaseURL)
	switch {
	case cfg.Server.BaseURL == "":
		ve.Add("server.base_url must not be empty")
	case err != nil:
		ve.Add("server.base_url %q is not a valid URL: %v", cfg.Server.BaseURL, err)
	case u.Scheme != "http" && u.Scheme != "https":
		ve.Add("server.base_url scheme must be http or https, got %q", u.Scheme)
	case u.Host == "":
		ve.Add("server.base_url %q has no host", cfg.Server.BaseURL)
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		ve.Add("server.ws_path must start with \"/\"")
	}
	if cfg.Server.Timeout <= 0 {
		ve.Add("server.timeout must be > 0")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	if cfg.Client.Platform == "" {
		ve.Add("client.platform must not be empty")
	}
}

func validateUpload(cfg *Config, ve *ValidationError) {
	if cfg.Upload.MaxResponseBytes <= 0 {
		ve.Add("upload.max_response_bytes must be > 0")
	}
	if slices.Contains(cfg.Upload.SupportedPlatforms, "") {
		ve.Add("upload.supported_platforms must not contain empty names")
	}
	cb := cfg.Upload.CircuitBreaker
	if cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("upload.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("upload.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	if cfg.Transport.SendRate <= 0 {
		ve.Add("transport.send_rate must be > 0")
	}
	if cfg.Transport.SendBurst < 1 {
		ve.Add("transport.send_burst must be >= 1")
	}
	if cfg.Transport.RequestTimeout <= 0 {
		ve.Add("transport.request_timeout must be > 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn or error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop or stdout)", cfg.Tracer.Exporter)
	}
}
