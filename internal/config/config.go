package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"
)

const appName = "firstline"

type Config struct {
	Database *dbConfig      `json:"database,omitempty"`
	Redis    *redisConfig   `json:"redis,omitempty"`
	MQTT     *mqttConfig    `json:"mqtt,omitempty"`
	Service  *svcConfig     `json:"service,omitempty"`
	CA       *caConfig      `json:"ca,omitempty"`
	Ingest   *ingestConfig  `json:"ingest,omitempty"`
	Worker   *workerConfig  `json:"worker,omitempty"`
	Health   *healthConfig  `json:"health,omitempty"`
}

type dbConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type redisConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

func (r *redisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Hostname, r.Port)
}

type mqttConfig struct {
	BrokerURL            string        `json:"brokerUrl,omitempty"`
	Username             string        `json:"username,omitempty"`
	Password             string        `json:"password,omitempty"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval,omitempty"`
}

type svcConfig struct {
	Address       string `json:"address,omitempty"`
	LogLevel      string `json:"logLevel,omitempty"`
	RealtimeToken string `json:"realtimeToken,omitempty"`
}

type caConfig struct {
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

type ingestConfig struct {
	StrictValidation bool  `json:"strictValidation,omitempty"`
	StreamMaxLen     int64 `json:"streamMaxLen,omitempty"`
	DedupTTLSeconds  int   `json:"dedupTtlSeconds,omitempty"`
}

type workerConfig struct {
	Count        int           `json:"count,omitempty"`
	BatchSize    int           `json:"batchSize,omitempty"`
	BatchTimeout time.Duration `json:"batchTimeout,omitempty"`
}

type healthConfig struct {
	PollInterval     time.Duration `json:"pollInterval,omitempty"`
	OfflineThreshold time.Duration `json:"offlineThreshold,omitempty"`
}

func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func CertificateDir() string {
	return filepath.Join(ConfigDir(), "certs")
}

func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Hostname: "localhost",
			Port:     5432,
			Name:     "firstline",
			User:     "admin",
			Password: "adminpass",
		},
		Redis: &redisConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		MQTT: &mqttConfig{
			BrokerURL:            "tcp://localhost:1883",
			Username:             "internal-service",
			MaxReconnectInterval: 30 * time.Second,
		},
		Service: &svcConfig{
			Address:  ":3443",
			LogLevel: "info",
		},
		CA: &caConfig{
			CertFile: filepath.Join(CertificateDir(), "ca.crt"),
			KeyFile:  filepath.Join(CertificateDir(), "ca.key"),
		},
		Ingest: &ingestConfig{
			StrictValidation: false,
			StreamMaxLen:     100000,
			DedupTTLSeconds:  60,
		},
		Worker: &workerConfig{
			Count:        4,
			BatchSize:    1000,
			BatchTimeout: 5 * time.Second,
		},
		Health: &healthConfig{
			PollInterval:     30 * time.Second,
			OfflineThreshold: 120 * time.Second,
		},
	}
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrGenerate reads the config file, writing a default one first if
// it does not exist.
func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Database == nil || cfg.Database.Hostname == "" {
		return fmt.Errorf("database configuration is required")
	}
	if cfg.Redis == nil || cfg.Redis.Hostname == "" {
		return fmt.Errorf("redis configuration is required")
	}
	if cfg.Worker != nil {
		if cfg.Worker.Count < 1 {
			return fmt.Errorf("worker count must be at least 1, got %d", cfg.Worker.Count)
		}
		if cfg.Worker.BatchSize < 1 {
			return fmt.Errorf("worker batch size must be at least 1, got %d", cfg.Worker.BatchSize)
		}
	}
	return nil
}

func (cfg *Config) String() string {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
