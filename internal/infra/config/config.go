package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration shared by the relay,
// host, and mcp subcommands.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Gateway GatewayConfig `yaml:"gateway"`
	Host    HostConfig    `yaml:"host"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// RelayConfig holds WebSocket relay server settings.
type RelayConfig struct {
	Addr           string        `yaml:"addr"`
	OriginPatterns []string      `yaml:"origin_patterns"`
	Auth           AuthConfig    `yaml:"auth"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepSchedule  string        `yaml:"sweep_schedule"` // cron expression or duration string
	StatsSchedule  string        `yaml:"stats_schedule"` // occupancy log cadence; empty disables
	FramesPerMin   int           `yaml:"frames_per_min"` // per-peer inbound frame budget
	FrameBurst     int           `yaml:"frame_burst"`
	SendBuffer     int           `yaml:"send_buffer"`               // outbound frames queued per peer
	TrustedProxies []string      `yaml:"trusted_proxies,omitempty"` // IPs allowed to set X-Forwarded-For
}

// AuthConfig holds relay authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "none" or "static"
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single relay auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// GatewayConfig holds automation-client settings: how to reach the relay and
// how long to wait for each command kind.
type GatewayConfig struct {
	RelayURL        string                   `yaml:"relay_url"`
	Channel         string                   `yaml:"channel"` // optional: join on startup
	Token           string                   `yaml:"token"`
	PeerName        string                   `yaml:"peer_name"`
	DefaultTimeout  time.Duration            `yaml:"default_timeout"`
	CommandTimeouts map[string]time.Duration `yaml:"command_timeouts,omitempty"`
	Retry           RetryConfig              `yaml:"retry"`
	Breaker         BreakerConfig            `yaml:"breaker"`
}

// RetryConfig holds the opt-in retry wrapper settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// BreakerConfig holds circuit breaker settings for the bridge send path.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // open -> half-open
	Interval    time.Duration `yaml:"interval"` // closed-state count reset
}

// HostConfig holds host runtime settings.
type HostConfig struct {
	RelayURL  string      `yaml:"relay_url"`
	Channel   string      `yaml:"channel"`
	Token     string      `yaml:"token"`
	PeerName  string      `yaml:"peer_name"`
	ReadOnly  bool        `yaml:"read_only"` // reject mutating commands
	QueueSize int         `yaml:"queue_size"`
	Chunk     ChunkConfig `yaml:"chunk"`
}

// ChunkConfig holds chunked execution engine settings.
type ChunkConfig struct {
	Size        int           `yaml:"size"`
	Yield       time.Duration `yaml:"yield"`
	Concurrency int           `yaml:"concurrency"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults: a localhost relay, both
// endpoints pointed at it, and chunked execution tuned for interactive use.
func Defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			Addr:           ":3055",
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
			Auth:           AuthConfig{Type: "none"},
			IdleTimeout:    5 * time.Minute,
			SweepSchedule:  "1m",
			StatsSchedule:  "1h",
			FramesPerMin:   600,
			FrameBurst:     120,
			SendBuffer:     64,
		},
		Gateway: GatewayConfig{
			RelayURL:       "ws://localhost:3055",
			PeerName:       "gateway",
			DefaultTimeout: 15 * time.Second,
			CommandTimeouts: map[string]time.Duration{
				"scan_text_nodes":            60 * time.Second,
				"set_multiple_text_contents": 60 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Host: HostConfig{
			RelayURL:  "ws://localhost:3055",
			PeerName:  "canvas-host",
			QueueSize: 32,
			Chunk: ChunkConfig{
				Size:        10,
				Yield:       50 * time.Millisecond,
				Concurrency: 4,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("CANVASLINK_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CANVASLINK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANVASLINK_RELAY_ADDR"); v != "" {
		cfg.Relay.Addr = v
	}
	if v := os.Getenv("CANVASLINK_RELAY_URL"); v != "" {
		cfg.Gateway.RelayURL = v
		cfg.Host.RelayURL = v
	}
	if v := os.Getenv("CANVASLINK_CHANNEL"); v != "" {
		cfg.Gateway.Channel = v
		cfg.Host.Channel = v
	}
	if v := os.Getenv("CANVASLINK_TOKEN"); v != "" {
		cfg.Gateway.Token = v
		cfg.Host.Token = v
	}
	if v := os.Getenv("CANVASLINK_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.DefaultTimeout = d
		}
	}
	if v := os.Getenv("CANVASLINK_RELAY_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.IdleTimeout = d
		}
	}
	if v := os.Getenv("CANVASLINK_RELAY_SWEEP_SCHEDULE"); v != "" {
		cfg.Relay.SweepSchedule = v
	}
	if v := os.Getenv("CANVASLINK_RELAY_STATS_SCHEDULE"); v != "" {
		cfg.Relay.StatsSchedule = v
	}
	if v := os.Getenv("CANVASLINK_HOST_READ_ONLY"); v == "true" {
		cfg.Host.ReadOnly = true
	}
	if v := os.Getenv("CANVASLINK_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Host.Chunk.Size = n
		}
	}
	if v := os.Getenv("CANVASLINK_CHUNK_YIELD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Host.Chunk.Yield = d
		}
	}
	if v := os.Getenv("CANVASLINK_CHUNK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Host.Chunk.Concurrency = n
		}
	}
	if v := os.Getenv("CANVASLINK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CANVASLINK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CANVASLINK_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CANVASLINK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CANVASLINK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." values in token fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Relay.Auth.Tokens {
		tok := cfg.Relay.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("relay auth token %s: %w", cfg.Relay.Auth.Tokens[i].Name, err)
			}
			cfg.Relay.Auth.Tokens[i].Token = decrypted
		}
	}

	fields := []*string{&cfg.Gateway.Token, &cfg.Host.Token}
	for _, fp := range fields {
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("peer token: %w", err)
			}
			*fp = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
