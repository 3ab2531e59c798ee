// Package config loads the scheduler service configuration from an
// optional YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
)

type StoreConfig struct {
	Backend    string `yaml:"backend"` // memory | sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

type ArtifactConfig struct {
	Backend        string `yaml:"backend"` // local | minio
	Root           string `yaml:"root"`
	MinIOEndpoint  string `yaml:"minio_endpoint"`
	MinIOAccessKey string `yaml:"minio_access_key"`
	MinIOSecretKey string `yaml:"minio_secret_key"`
	MinIOBucket    string `yaml:"minio_bucket"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl"`
}

type SeedKey struct {
	Provider    string `yaml:"provider"`
	Key         string `yaml:"key"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Email       string `yaml:"email"`
	Tier        int    `yaml:"tier"`
	MaxQuota    int    `yaml:"max_quota"`
}

type Config struct {
	ListenAddr           string         `yaml:"listen_addr"`
	TickIntervalSeconds  int            `yaml:"tick_interval_seconds"`
	FlushIntervalSeconds int            `yaml:"flush_interval_seconds"`
	Store                StoreConfig    `yaml:"store"`
	Artifacts            ArtifactConfig `yaml:"artifacts"`
	SeedAPIKeys          []SeedKey      `yaml:"seed_api_keys"`
}

func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		TickIntervalSeconds:  1,
		FlushIntervalSeconds: 5,
		Store:                StoreConfig{Backend: "memory", SQLitePath: "./data/scheduler.db"},
		Artifacts:            ArtifactConfig{Backend: "local", Root: "./data/images", MinIOBucket: "generated-images"},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 1
	}
	if cfg.FlushIntervalSeconds <= 0 {
		cfg.FlushIntervalSeconds = 5
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getenv("IMGSCHED_LISTEN_ADDR", c.ListenAddr)
	c.TickIntervalSeconds = getenvInt("IMGSCHED_TICK_SECONDS", c.TickIntervalSeconds)
	c.FlushIntervalSeconds = getenvInt("IMGSCHED_FLUSH_SECONDS", c.FlushIntervalSeconds)
	c.Store.Backend = getenv("IMGSCHED_STORE", c.Store.Backend)
	c.Store.SQLitePath = getenv("IMGSCHED_SQLITE_PATH", c.Store.SQLitePath)
	c.Artifacts.Backend = getenv("IMGSCHED_ARTIFACT_BACKEND", c.Artifacts.Backend)
	c.Artifacts.Root = getenv("IMGSCHED_ARTIFACT_ROOT", c.Artifacts.Root)
	c.Artifacts.MinIOEndpoint = getenv("IMGSCHED_MINIO_ENDPOINT", c.Artifacts.MinIOEndpoint)
	c.Artifacts.MinIOAccessKey = getenv("IMGSCHED_MINIO_ACCESS_KEY", c.Artifacts.MinIOAccessKey)
	c.Artifacts.MinIOSecretKey = getenv("IMGSCHED_MINIO_SECRET_KEY", c.Artifacts.MinIOSecretKey)
	c.Artifacts.MinIOBucket = getenv("IMGSCHED_MINIO_BUCKET", c.Artifacts.MinIOBucket)
	c.Artifacts.MinIOUseSSL = getenvBool("IMGSCHED_MINIO_USE_SSL", c.Artifacts.MinIOUseSSL)
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// SeedKeyRecords converts the configured seed keys into registry
// records.
func (c Config) SeedKeyRecords() []state.APIKeyRecord {
	out := make([]state.APIKeyRecord, 0, len(c.SeedAPIKeys))
	for _, k := range c.SeedAPIKeys {
		out = append(out, state.APIKeyRecord{
			Provider:    k.Provider,
			Key:         k.Key,
			URL:         k.URL,
			Description: k.Description,
			Email:       k.Email,
			Tier:        k.Tier,
			MaxQuota:    k.MaxQuota,
		})
	}
	return out
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
