package config

import (
	"fmt"
	"net"
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
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRelay(cfg, ve)
	validateGateway(cfg, ve)
	validateHost(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRelay(cfg *Config, ve *ValidationError) {
	r := cfg.Relay
	if r.Addr == "" {
		ve.Add("relay.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(r.Addr); err != nil {
		ve.Add("relay.addr %q is not a valid host:port", r.Addr)
	}
	switch r.Auth.Type {
	case "", "none":
	case "static":
		if len(r.Auth.Tokens) == 0 {
			ve.Add("relay.auth.tokens must not be empty when auth type is static")
		}
		for i, t := range r.Auth.Tokens {
			if t.Token == "" {
				ve.Add("relay.auth.tokens[%d].token must not be empty", i)
			}
			if t.Name == "" {
				ve.Add("relay.auth.tokens[%d].name must not be empty", i)
			}
		}
	default:
		ve.Add("relay.auth.type %q is invalid (want: none, static)", r.Auth.Type)
	}
	if r.IdleTimeout <= 0 {
		ve.Add("relay.idle_timeout must be > 0")
	}
	if r.SweepSchedule == "" {
		ve.Add("relay.sweep_schedule must not be empty")
	}
	if r.FramesPerMin <= 0 {
		ve.Add("relay.frames_per_min must be > 0")
	}
	if r.FrameBurst <= 0 {
		ve.Add("relay.frame_burst must be > 0")
	}
	if r.SendBuffer <= 0 {
		ve.Add("relay.send_buffer must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !isWSURL(g.RelayURL) {
		ve.Add("gateway.relay_url %q must start with ws:// or wss://", g.RelayURL)
	}
	if g.PeerName == "" {
		ve.Add("gateway.peer_name must not be empty")
	}
	if g.DefaultTimeout <= 0 {
		ve.Add("gateway.default_timeout must be > 0")
	}
	for cmd, d := range g.CommandTimeouts {
		if d <= 0 {
			ve.Add("gateway.command_timeouts[%s] must be > 0", cmd)
		}
	}
	if g.Retry.MaxAttempts <= 0 {
		ve.Add("gateway.retry.max_attempts must be > 0")
	}
	if g.Retry.BaseDelay <= 0 {
		ve.Add("gateway.retry.base_delay must be > 0")
	}
	if g.Retry.MaxDelay < g.Retry.BaseDelay {
		ve.Add("gateway.retry.max_delay must be >= base_delay")
	}
	if g.Breaker.MaxFailures == 0 {
		ve.Add("gateway.breaker.max_failures must be > 0")
	}
	if g.Breaker.Timeout <= 0 {
		ve.Add("gateway.breaker.timeout must be > 0")
	}
}

func validateHost(cfg *Config, ve *ValidationError) {
	h := cfg.Host
	if !isWSURL(h.RelayURL) {
		ve.Add("host.relay_url %q must start with ws:// or wss://", h.RelayURL)
	}
	if h.PeerName == "" {
		ve.Add("host.peer_name must not be empty")
	}
	if h.QueueSize <= 0 {
		ve.Add("host.queue_size must be > 0")
	}
	if h.Chunk.Size <= 0 {
		ve.Add("host.chunk.size must be > 0")
	}
	if h.Chunk.Yield < 0 {
		ve.Add("host.chunk.yield must be >= 0")
	}
	if h.Chunk.Concurrency <= 0 {
		ve.Add("host.chunk.concurrency must be > 0")
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
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
	case "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}

func isWSURL(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}
