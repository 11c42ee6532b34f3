// Package main is the entry point for the kernelhub server.
//
// main stays minimal:
//  1. Read configuration (TOML file, then environment overrides)
//  2. Create the logger and the process launcher
//  3. Build and start the server
//
// Everything else lives in internal/.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/kernelhub/internal/config"
	"github.com/sakif/kernelhub/internal/executor/docker"
	"github.com/sakif/kernelhub/internal/kernel/process"
	"github.com/sakif/kernelhub/internal/server"
)

func main() {
	configPath := flag.String("config", "kernelhub.toml", "path to the TOML settings file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "kernelhub:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// === 1. CONFIGURATION ===
	// Defaults, then the file (a missing file is fine), then env vars such
	// as PORT, DB_PATH, JWT_SECRET or PYTHON_PATH.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// === 2. LOGGING ===
	// Log levels (from least to most severe): Debug → Info → Warn → Error
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	// === 3. DATABASE DIRECTORY ===
	// os.MkdirAll is `mkdir -p`; 0755 = owner rwx, others r-x.
	if cfg.Server.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.Server.DBPath)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dbDir, err)
		}
	}

	// === 4. PROCESS LAUNCHER ===
	// Kernels run as local child processes by default. The docker runtime
	// pulls the configured images up front and fails fast without a daemon.
	var launcher process.Launcher
	switch cfg.Kernels.Runtime {
	case config.RuntimeDocker:
		dl, err := docker.New(cfg.DockerLauncher(), logger)
		if err != nil {
			return fmt.Errorf("docker runtime unavailable: %w", err)
		}
		defer dl.Close()
		launcher = dl
	default:
		launcher = process.NewLocalLauncher()
	}

	// === 5. AUTH ===
	// JWT_SECRET must be a long random string: JWT_SECRET=$(openssl rand -hex 32)
	if cfg.Server.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set: the API is open to anyone who can reach the port")
	}

	// === 6. CREATE AND START THE SERVER ===
	srv, err := server.New(cfg, logger, launcher)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start blocks until SIGINT or SIGTERM.
	return srv.Start()
}
