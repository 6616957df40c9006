package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"canvaslink/internal/infra/config"
)

func TestCheckConfigFileMissing(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", nil)
	result := fn(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
}

func TestCheckConfigFileParseError(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := tmpDir + "/config.yaml"
	if err := os.WriteFile(cfgPath, []byte("relay: {{yaml"), 0600); err != nil {
		t.Fatal(err)
	}

	fn := checkConfigFile(cfgPath, &config.ValidationError{Errors: []string{"bad yaml"}})
	result := fn(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for parse error, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for parse error")
	}
}

func TestCheckConfigFileValid(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := tmpDir + "/config.yaml"
	if err := os.WriteFile(cfgPath, []byte("relay:\n  addr: \":3055\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	fn := checkConfigFile(cfgPath, nil)
	result := fn(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckSecretsNilConfig(t *testing.T) {
	result := checkSecrets(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for nil config, got %s", result.Status)
	}
}

func TestCheckSecretsClean(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = "plain-token"
	result := checkSecrets(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckSecretsUndecrypted(t *testing.T) {
	cfg := config.Defaults()
	cfg.Host.Token = "enc:deadbeef:cafe"
	cfg.Relay.Auth.Tokens = []config.TokenConfig{{Name: "bot", Token: "enc:deadbeef:cafe"}}

	result := checkSecrets(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for stuck enc: values, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "host.token") {
		t.Errorf("message should name host.token: %s", result.Message)
	}
	if !strings.Contains(result.Message, "relay.auth.tokens[bot]") {
		t.Errorf("message should name the relay token: %s", result.Message)
	}
}

func TestCheckAuthStatic(t *testing.T) {
	cfg := config.Defaults()
	cfg.Relay.Auth = config.AuthConfig{
		Type:   "static",
		Tokens: []config.TokenConfig{{Name: "bot", Token: "secret"}},
	}
	result := checkAuth(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for static auth, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAuthNoneLoopback(t *testing.T) {
	cfg := config.Defaults()
	cfg.Relay.Addr = "127.0.0.1:3055"
	result := checkAuth(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for loopback bind, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAuthNoneOpenBind(t *testing.T) {
	cfg := config.Defaults()
	cfg.Relay.Addr = ":3055"
	result := checkAuth(cfg)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for open unauthenticated bind, got %s", result.Status)
	}
}

func TestCheckRelayUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","channels":2,"peers":5}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Gateway.RelayURL = "ws://" + strings.TrimPrefix(srv.URL, "http://")

	result := checkRelay(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "2 channel(s)") || !strings.Contains(result.Message, "5 peer(s)") {
		t.Errorf("message should carry occupancy: %s", result.Message)
	}
}

func TestCheckRelayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close() // port now refuses connections

	cfg := config.Defaults()
	cfg.Gateway.RelayURL = "ws://" + strings.TrimPrefix(addr, "http://")

	result := checkRelay(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for unreachable relay, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for unreachable relay")
	}
}

func TestCheckTimeoutsDefaults(t *testing.T) {
	result := checkTimeouts(config.Defaults())
	if result.Status != StatusPass {
		t.Errorf("expected PASS for default budgets, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckTimeoutsBelowDefault(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.CommandTimeouts["scan_text_nodes"] = 2 * time.Second

	result := checkTimeouts(cfg)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for budget below default, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "scan_text_nodes") {
		t.Errorf("message should name the command: %s", result.Message)
	}
}

func TestHealthzURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://localhost:3055", "http://localhost:3055/healthz", false},
		{"wss://relay.example.com", "https://relay.example.com/healthz", false},
		{"ws://localhost:3055/ws?token=x", "http://localhost:3055/healthz", false},
		{"http://localhost:3055", "", true},
		{"not a url at all\x7f", "", true},
	}
	for _, tt := range tests {
		got, err := healthzURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("healthzURL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("healthzURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("healthzURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusIcon(t *testing.T) {
	if statusIcon(StatusPass) != "[PASS]" {
		t.Error("wrong icon for PASS")
	}
	if statusIcon(StatusWarn) != "[WARN]" {
		t.Error("wrong icon for WARN")
	}
	if statusIcon(StatusFail) != "[FAIL]" {
		t.Error("wrong icon for FAIL")
	}
}
