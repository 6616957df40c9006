package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"canvaslink/cmd/canvaslink/daemon"
	"canvaslink/internal/infra/config"
	"canvaslink/internal/infra/logger"
	"canvaslink/internal/infra/tracer"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "relay":
		if err := runRelay(); err != nil {
			fmt.Fprintf(os.Stderr, "relay: %v\n", err)
			os.Exit(1)
		}
	case "host":
		if err := runHost(); err != nil {
			fmt.Fprintf(os.Stderr, "host: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(); err != nil {
			fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'canvaslink --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`canvaslink - command relay between automation clients and canvas hosts

USAGE:
    canvaslink COMMAND [FLAGS]

COMMANDS:
    relay       Run the WebSocket relay server
    host        Run a canvas host: join a channel and execute commands
    mcp         Run the MCP stdio server backed by the relay gateway
    encrypt     Encrypt a secret for use as an enc: config value
    daemon      Manage the relay or host as a system service
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CANVASLINK_* variables override config
    Secrets:     enc: values decrypt with CANVASLINK_CONFIG_KEY

EXAMPLES:
    canvaslink relay                          # relay on :3055
    canvaslink host --config host.yaml        # host joins its channel
    canvaslink mcp                            # stdio MCP server
    canvaslink daemon install relay           # relay as a system service
    canvaslink doctor                         # check config and relay health
    CANVASLINK_CONFIG_KEY=... canvaslink encrypt my-token`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CANVASLINK_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// bootstrap loads config and wires the logger and tracer every long-running
// subcommand shares. The returned cleanup flushes both.
func bootstrap(ctx context.Context) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown", "error", err)
		}
		logCloser()
	}
	return cfg, log, cleanup, nil
}

func runDaemon() error {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "Usage: canvaslink daemon <install|uninstall|status> <relay|host>")
		os.Exit(1)
	}
	role := os.Args[3]
	if role != "relay" && role != "host" {
		return fmt.Errorf("unknown role: %s (want: relay or host)", role)
	}
	name := "canvaslink-" + role

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig(role)
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall(name)
	case "status":
		status, err := daemon.CurrentStatus(name)
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("%s is running (PID %d)\n", name, status.PID)
		} else {
			fmt.Printf("%s is not running\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}

func runEncrypt() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: canvaslink encrypt <value>")
	}
	passphrase := os.Getenv("CANVASLINK_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CANVASLINK_CONFIG_KEY must be set")
	}

	encrypted, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("enc:%s\n", encrypted)
	return nil
}
