package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"canvaslink/internal/infra/config"
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
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Encrypted secrets", Fn: checkSecrets},
		{Name: "Relay auth", Fn: checkAuth},
		{Name: "Relay endpoint", Fn: checkRelay},
		{Name: "Command budgets", Fn: checkTimeouts},
	}

	fmt.Println("canvaslink doctor")
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
		fmt.Println("\nFix the FAIL issues above before relying on this setup.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\ncanvaslink should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed.")
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

// checkConfigFile returns a check that verifies the config file parses.
// A missing file is not fatal: defaults plus environment apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s — defaults and CANVASLINK_* env apply", cfgPath),
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and file permissions (0600 or 0644)",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkSecrets looks for enc: values that survived loading, which means
// CANVASLINK_CONFIG_KEY was missing or wrong.
func checkSecrets(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped — config not loaded"}
	}

	var stuck []string
	for _, t := range cfg.Relay.Auth.Tokens {
		if strings.HasPrefix(t.Token, "enc:") {
			stuck = append(stuck, "relay.auth.tokens["+t.Name+"]")
		}
	}
	if strings.HasPrefix(cfg.Gateway.Token, "enc:") {
		stuck = append(stuck, "gateway.token")
	}
	if strings.HasPrefix(cfg.Host.Token, "enc:") {
		stuck = append(stuck, "host.token")
	}

	if len(stuck) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("encrypted values not decrypted: %s", strings.Join(stuck, ", ")),
			Fix:     "Set CANVASLINK_CONFIG_KEY to the passphrase used with 'canvaslink encrypt'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "no undecrypted enc: values"}
}

// checkAuth warns when the relay accepts unauthenticated peers beyond loopback.
func checkAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped — config not loaded"}
	}

	if cfg.Relay.Auth.Type == "static" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("static token auth with %d token(s)", len(cfg.Relay.Auth.Tokens)),
		}
	}

	host, _, err := net.SplitHostPort(cfg.Relay.Addr)
	if err == nil && (host == "127.0.0.1" || host == "::1" || host == "localhost") {
		return CheckResult{Status: StatusPass, Message: "no auth, but relay binds loopback only"}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("relay on %q accepts unauthenticated peers", cfg.Relay.Addr),
		Fix:     "Configure relay.auth.type: static with tokens, or bind 127.0.0.1",
	}
}

// checkRelay probes the relay's health endpoint.
func checkRelay(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped — config not loaded"}
	}

	endpoint, err := healthzURL(cfg.Gateway.RelayURL)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid gateway.relay_url: %v", err),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("build request: %v", err)}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("relay not reachable at %s: %v", endpoint, err),
			Fix:     "Start it: canvaslink relay (or fix gateway.relay_url)",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("relay responded %d at %s", resp.StatusCode, endpoint),
		}
	}

	var health struct {
		Channels int `json:"channels"`
		Peers    int `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("relay reachable but health payload unreadable: %v", err),
		}
	}

	return CheckResult{
		Status: StatusPass,
		Message: fmt.Sprintf("relay up (%dms): %d channel(s), %d peer(s)",
			latency.Milliseconds(), health.Channels, health.Peers),
	}
}

// checkTimeouts flags per-command budgets below the default, which usually
// means a chunked command will time out before the host finishes.
func checkTimeouts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped — config not loaded"}
	}

	var low []string
	for name, d := range cfg.Gateway.CommandTimeouts {
		if d < cfg.Gateway.DefaultTimeout {
			low = append(low, fmt.Sprintf("%s (%s < %s)", name, d, cfg.Gateway.DefaultTimeout))
		}
	}
	if len(low) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("command budgets below the default: %s", strings.Join(low, ", ")),
			Fix:     "Per-command entries exist to extend the budget; raise or remove them",
		}
	}
	return CheckResult{
		Status: StatusPass,
		Message: fmt.Sprintf("default %s, %d per-command override(s)",
			cfg.Gateway.DefaultTimeout, len(cfg.Gateway.CommandTimeouts)),
	}
}

// healthzURL converts the ws relay URL to its HTTP health endpoint.
func healthzURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("scheme %q is not ws or wss", u.Scheme)
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}
