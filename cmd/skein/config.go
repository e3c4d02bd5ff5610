package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all skein server configuration.
// Priority: env vars > config.yaml > defaults.
type Config struct {
	DBPath         string `yaml:"db_path"`
	BlobDir        string `yaml:"blob_dir"`
	SandboxDir     string `yaml:"sandbox_dir"`
	LogLevel       string `yaml:"log_level"`
	PoolSize       int    `yaml:"pool_size"`
	RunConcurrency int    `yaml:"run_concurrency"`

	SpillThresholdBytes int64 `yaml:"spill_threshold_bytes"`
	NodeTimeoutSeconds  int   `yaml:"node_timeout_seconds"`
	MaxMemoryMB         int64 `yaml:"max_memory_mb"`
	CPUPercent          int   `yaml:"cpu_percent"`
	AllowNetwork        bool  `yaml:"allow_network"`

	SandboxPoolSize       int      `yaml:"sandbox_pool_size"`
	SandboxIdleSeconds    int      `yaml:"sandbox_idle_seconds"`
	InstallTimeoutSeconds int      `yaml:"install_timeout_seconds"`
	InstallPolicy         []string `yaml:"install_policy"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                filepath.Join(skeinDir(), "skein.db"),
		BlobDir:               filepath.Join(skeinDir(), "blobs"),
		SandboxDir:            filepath.Join(skeinDir(), "sandboxes"),
		LogLevel:              "info",
		PoolSize:              10,
		RunConcurrency:        4,
		NodeTimeoutSeconds:    300,
		MaxMemoryMB:           512,
		CPUPercent:            100,
		SandboxPoolSize:       4,
		SandboxIdleSeconds:    600,
		InstallTimeoutSeconds: 120,
	}
}

func skeinDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skein"
	}
	return filepath.Join(home, ".skein")
}

func configPath() string {
	return filepath.Join(skeinDir(), "config.yaml")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: config.yaml (ignore if missing).
	if data, err := os.ReadFile(configPath()); err == nil {
		_ = yaml.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SKEIN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SKEIN_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("SKEIN_SANDBOX_DIR"); v != "" {
		cfg.SandboxDir = v
	}
	if v := os.Getenv("SKEIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SKEIN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("SKEIN_RUN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunConcurrency = n
		}
	}
	if v := os.Getenv("SKEIN_NODE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NodeTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SKEIN_INSTALL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InstallTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SKEIN_ALLOW_NETWORK"); v != "" {
		cfg.AllowNetwork = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) nodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutSeconds) * time.Second
}

func (c Config) sandboxIdle() time.Duration {
	return time.Duration(c.SandboxIdleSeconds) * time.Second
}

func (c Config) installTimeout() time.Duration {
	return time.Duration(c.InstallTimeoutSeconds) * time.Second
}

func (c Config) maxMemoryBytes() int64 {
	return c.MaxMemoryMB * 1024 * 1024
}
