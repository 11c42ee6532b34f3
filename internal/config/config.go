// Package config loads kernelhub settings: a TOML file with defaults for
// every key, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sakif/kernelhub/internal/executor/docker"
	"github.com/sakif/kernelhub/internal/kernel"
)

// Launcher runtimes.
const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete settings tree.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Kernels   KernelsConfig   `toml:"kernels"`
	Docker    DockerConfig    `toml:"docker"`
	Documents DocumentsConfig `toml:"documents"`
}

type ServerConfig struct {
	Port   int    `toml:"port"`
	DBPath string `toml:"db_path"`
	// JWTSecret enables bearer-token auth on /api when set.
	JWTSecret string `toml:"jwt_secret"`
	// Password is exchanged for a token at /auth/token.
	Password    string `toml:"password"`
	LogLevel    string `toml:"log_level"`
	NoticeLimit int    `toml:"notice_limit"`
}

type KernelsConfig struct {
	// Runtime is "local" or "docker".
	Runtime string `toml:"runtime"`
	// EnableCodeBlocks turns the execute endpoint on.
	EnableCodeBlocks bool           `toml:"enable_code_blocks"`
	Python           LanguageConfig `toml:"python"`
	Julia            LanguageConfig `toml:"julia"`
}

type LanguageConfig struct {
	Interpreter  string   `toml:"interpreter"`
	ReadyTimeout Duration `toml:"ready_timeout"`
	// Image is the container image used with the docker runtime.
	Image string `toml:"image"`
}

type DockerConfig struct {
	MemoryMB int64   `toml:"memory_mb"`
	CPUs     float64 `toml:"cpus"`
	Network  bool    `toml:"network"`
}

type DocumentsConfig struct {
	// SyncCommand runs after a notebook changed, with the document path
	// appended, e.g. ["jupytext", "--sync"].
	SyncCommand []string `toml:"sync_command"`
}

// Default returns the built-in settings.
func Default() Config {
	langs := kernel.DefaultLanguages()
	images := docker.DefaultConfig().Images
	cfg := Config{
		Server: ServerConfig{
			Port:        8080,
			DBPath:      "data/kernelhub.db",
			LogLevel:    "info",
			NoticeLimit: 100,
		},
		Kernels: KernelsConfig{
			Runtime:          RuntimeLocal,
			EnableCodeBlocks: true,
		},
		Docker: DockerConfig{
			MemoryMB: 1024,
			CPUs:     1,
		},
	}
	for _, l := range langs {
		lc := LanguageConfig{
			Interpreter:  l.Interpreter,
			ReadyTimeout: Duration{l.ReadyTimeout},
			Image:        images[l.Name],
		}
		switch l.Name {
		case kernel.Python:
			cfg.Kernels.Python = lc
		case kernel.Julia:
			cfg.Kernels.Julia = lc
		}
	}
	return cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg, keeping values for absent keys.
func Parse(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("line %d, column %d: %w", row, col, err)
		}
		return err
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v) // Atoi = ASCII to Integer
		if err != nil {
			return fmt.Errorf("config: invalid PORT value %q", v)
		}
		c.Server.Port = port
	}
	if v := getenv("DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := getenv("KERNELHUB_PASSWORD"); v != "" {
		c.Server.Password = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := getenv("PYTHON_PATH"); v != "" {
		c.Kernels.Python.Interpreter = v
	}
	if v := getenv("JULIA_PATH"); v != "" {
		c.Kernels.Julia.Interpreter = v
	}
	if v := getenv("KERNEL_RUNTIME"); v != "" {
		c.Kernels.Runtime = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("config: server.db_path is required")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Server.Password != "" && c.Server.JWTSecret == "" {
		return fmt.Errorf("config: server.password requires server.jwt_secret")
	}
	switch c.Kernels.Runtime {
	case RuntimeLocal, RuntimeDocker:
	default:
		return fmt.Errorf("config: kernels.runtime must be %q or %q, got %q", RuntimeLocal, RuntimeDocker, c.Kernels.Runtime)
	}
	for name, l := range map[string]LanguageConfig{kernel.Python: c.Kernels.Python, kernel.Julia: c.Kernels.Julia} {
		if l.Interpreter == "" {
			return fmt.Errorf("config: kernels.%s.interpreter is required", name)
		}
		if l.ReadyTimeout.Duration <= 0 {
			return fmt.Errorf("config: kernels.%s.ready_timeout must be positive", name)
		}
		if c.Kernels.Runtime == RuntimeDocker && l.Image == "" {
			return fmt.Errorf("config: kernels.%s.image is required with the docker runtime", name)
		}
	}
	if c.Docker.MemoryMB < 0 || c.Docker.CPUs < 0 {
		return fmt.Errorf("config: docker limits must not be negative")
	}
	return nil
}

// LogLevel parses server.log_level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Server.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: server.log_level: %w", err)
	}
	return level, nil
}

// Languages returns the kernel settings in manager form.
func (c *Config) Languages() []kernel.LanguageConfig {
	return []kernel.LanguageConfig{
		{Name: kernel.Python, Interpreter: c.Kernels.Python.Interpreter, ReadyTimeout: c.Kernels.Python.ReadyTimeout.Duration},
		{Name: kernel.Julia, Interpreter: c.Kernels.Julia.Interpreter, ReadyTimeout: c.Kernels.Julia.ReadyTimeout.Duration},
	}
}

// DockerLauncher returns the container launcher settings.
func (c *Config) DockerLauncher() docker.Config {
	dc := docker.DefaultConfig()
	dc.Images = map[string]string{
		kernel.Python: c.Kernels.Python.Image,
		kernel.Julia:  c.Kernels.Julia.Image,
	}
	dc.MemoryLimit = c.Docker.MemoryMB * 1024 * 1024
	dc.CPULimit = c.Docker.CPUs
	dc.Network = c.Docker.Network
	return dc
}
