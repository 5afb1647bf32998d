package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"agentsync/internal/adapter/toolschema"
	"agentsync/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath(os.Args[1:])

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Auth token", Fn: checkAuthToken},
		{Name: "Image upload", Fn: checkUploadPlatform},
		{Name: "History store", Fn: checkStorePath},
		{Name: "Tool schemas", Fn: checkToolSchemas},
		{Name: "Server", Fn: checkServer(http.DefaultClient)},
	}

	fmt.Println("agentsync doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loads. A missing
// file is only a warning: defaults and AGENTSYNC_* variables may suffice.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax and permissions of %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkAuthToken(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if cfg.Auth.Token == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "no auth token configured",
			Fix:     "Set auth.token in the config file or AGENTSYNC_AUTH_TOKEN",
		}
	}
	return CheckResult{Status: StatusPass, Message: "auth token configured"}
}

func checkUploadPlatform(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !slices.Contains(cfg.Upload.SupportedPlatforms, cfg.Client.Platform) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("image upload is disabled on platform %q", cfg.Client.Platform),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("enabled on platform %q", cfg.Client.Platform)}
}

// checkStorePath verifies the history database directory is writable.
func checkStorePath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	dir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set store.path to a writable location",
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Set store.path to a writable location",
		}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: cfg.Store.Path}
}

func checkToolSchemas(_ *config.Config) CheckResult {
	reg, err := toolschema.New()
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: strings.Join(reg.Names(), ", ")}
}

// checkServer returns a check that the server answers HTTP at its base URL.
// Any response counts; only a transport failure fails the check.
func checkServer(client *http.Client) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return CheckResult{Status: StatusFail, Message: "config not loaded"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Server.BaseURL, nil)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error()}
		}
		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot reach %s", cfg.Server.BaseURL),
				Fix:     "Check server.base_url and your network connection",
			}
		}
		resp.Body.Close()
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s answered %d", cfg.Server.BaseURL, resp.StatusCode)}
	}
}
