// butlerd runs one butler daemon: the RPC tool server, the session
// spawner, the cron runner, and whatever role assembly the configured
// butler name carries (messenger delivery, switchboard ingest).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/butler-platform/butlerd/pkg/butler"
	"github.com/butler-platform/butlerd/pkg/slack"
	"github.com/butler-platform/butlerd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID identifies this replica in logs.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolveInstanceID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	configPath := flag.String("config",
		getEnv("BUTLER_CONFIG", "butler.toml"),
		"Path to the butler config file")
	logLevel := flag.String("log-level",
		getEnv("LOG_LEVEL", "info"),
		"Log level (debug|info|warn|error)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	setupLogging(*logLevel)

	// Load .env next to the config file so local setups keep their
	// credentials out of butler.toml.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting butlerd",
		"version", version.Full(),
		"instance", resolveInstanceID(),
		"config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := butler.Run(ctx, butler.RunOptions{
		ConfigPath: *configPath,
		OptionalModules: []butler.Module{
			slack.NewModule(),
		},
	})
	if err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
