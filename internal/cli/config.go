package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/timerd/internal/notify"
	"github.com/ChuLiYu/timerd/internal/registry"
	"github.com/ChuLiYu/timerd/internal/snapshot"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Storage struct {
		Root string `yaml:"root"` // base directory, created on start
		Path string `yaml:"path"` // document path relative to Root
	} `yaml:"storage"`

	Categories []registry.CategorySpec `yaml:"categories"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPAddr string `yaml:"http_addr"` // empty disables /jsonrpc and /metrics
		RPCToken string `yaml:"rpc_token"` // empty disables bearer auth on /jsonrpc
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Notify struct {
		Workers int           `yaml:"workers"`
		Buffer  int           `yaml:"buffer"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	Poll struct {
		Interval time.Duration `yaml:"interval"` // 0 leaves expiry detection to callers
	} `yaml:"poll"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file exists
func DefaultConfig() *Config {
	var cfg Config
	cfg.Storage.Root = "."
	cfg.Storage.Path = snapshot.DefaultPath
	cfg.Categories = registry.DefaultCategories()
	cfg.Server.GRPCAddr = "127.0.0.1:50051"
	cfg.Server.HTTPAddr = "127.0.0.1:8080"
	cfg.Metrics.Enabled = true

	defaults := notify.DefaultDispatcherConfig()
	cfg.Notify.Workers = defaults.Workers
	cfg.Notify.Buffer = defaults.Buffer
	cfg.Notify.Timeout = defaults.Timeout

	cfg.Poll.Interval = time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Storage.Root == "" {
		return errors.New("storage.root must not be empty")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Server.GRPCAddr == "" {
		return errors.New("server.grpc_addr must not be empty")
	}
	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must not be negative: %s", c.Poll.Interval)
	}
	if _, err := c.categoryTable(); err != nil {
		return err
	}
	return nil
}

func (c *Config) categoryTable() (*registry.CategoryTable, error) {
	return registry.NewCategoryTable(c.Categories)
}

func (c *Config) dispatcherConfig() notify.DispatcherConfig {
	return notify.DispatcherConfig{
		Workers: c.Notify.Workers,
		Buffer:  c.Notify.Buffer,
		Timeout: c.Notify.Timeout,
	}
}

// newLogger builds the process logger from the log section
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log.level %q: %w", level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log.format %q", format)
	}
}
