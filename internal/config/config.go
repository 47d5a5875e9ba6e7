package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataRoot     string `yaml:"data_root"`
	ManifestPath string `yaml:"manifest_path"`
	ExportDir    string `yaml:"export_dir"`
	APIPort      int    `yaml:"api_port"`
	Workers      int    `yaml:"workers"`
	Compression  string `yaml:"compression"`
	LogLevel     string `yaml:"log_level"`
}

// Load reads the YAML file at path, then applies LAKE_* environment
// overrides and defaults. A missing file is not an error; env and
// defaults alone form a working config.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.DataRoot = getEnvStr("LAKE_DATA_ROOT", cfg.DataRoot)
	cfg.ManifestPath = getEnvStr("LAKE_MANIFEST_PATH", cfg.ManifestPath)
	cfg.ExportDir = getEnvStr("LAKE_EXPORT_DIR", cfg.ExportDir)
	cfg.APIPort = getEnvInt("LAKE_API_PORT", cfg.APIPort)
	cfg.Workers = getEnvInt("LAKE_WORKERS", cfg.Workers)
	cfg.Compression = getEnvStr("LAKE_COMPRESSION", cfg.Compression)
	cfg.LogLevel = getEnvStr("LAKE_LOG_LEVEL", cfg.LogLevel)

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = "data"
	}
	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.DataRoot, "manifest.db")
	}
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join(c.DataRoot, "exports")
	}
	if c.APIPort == 0 {
		c.APIPort = 8080
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func getEnvStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
