// Package config loads the relay configuration from YAML.
//
// Every duration is written as a Go duration string ("90s", "5m"). Missing keys
// keep the values of Default(), so a config file only needs what differs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Config is the complete relay configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Queue    QueueConfig    `yaml:"queue"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Worker   WorkerConfig   `yaml:"worker"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig points at the coordination store.
type StoreConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db" validate:"gte=0"`
	Prefix         string        `yaml:"prefix" validate:"required"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"required"`
}

// RegistryConfig controls registration leases.
type RegistryConfig struct {
	Lease            time.Duration `yaml:"lease" validate:"required"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" validate:"required"`
}

// QueueConfig controls the durable queues.
type QueueConfig struct {
	TTL       time.Duration `yaml:"ttl" validate:"required"`
	ResultTTL time.Duration `yaml:"result_ttl" validate:"required"`
}

// DispatchConfig controls the processing listener of a coordinator.
type DispatchConfig struct {
	HandlerTimeout  time.Duration `yaml:"handler_timeout" validate:"required"`
	HandlerMutexTTL time.Duration `yaml:"handler_mutex_ttl" validate:"required"`
	LockTTL         time.Duration `yaml:"lock_ttl" validate:"required"`
	LockWait        time.Duration `yaml:"lock_wait" validate:"required"`
	KillGrace       time.Duration `yaml:"kill_grace" validate:"required"`
	// JobTTL bounds how long a submitted job is tracked before it is declared dead.
	JobTTL time.Duration `yaml:"job_ttl" validate:"required"`
}

// WorkerConfig controls the service-side listener.
type WorkerConfig struct {
	Name               string          `yaml:"name"`
	RegisterInterval   time.Duration   `yaml:"register_interval" validate:"required"`
	ChannelInterval    time.Duration   `yaml:"channel_interval" validate:"required"`
	ProcessingLockTTL  time.Duration   `yaml:"processing_lock_ttl" validate:"required"`
	ProcessingQueueTTL time.Duration   `yaml:"processing_queue_ttl" validate:"required"`
	ClaimLockTTL       time.Duration   `yaml:"claim_lock_ttl" validate:"required"`
	JobTimeout         time.Duration   `yaml:"job_timeout" validate:"required"`
	Services           []ServiceConfig `yaml:"services" validate:"dive"`
}

// ServiceConfig is one service offered by a worker process.
type ServiceConfig struct {
	Name         string   `yaml:"name" validate:"required"`
	Version      string   `yaml:"version" validate:"required"`
	Channel      string   `yaml:"channel" validate:"required,notreserved"`
	Framework    string   `yaml:"framework"`
	Capabilities []string `yaml:"capabilities"`
	// Commands maps a job kind ("fit", "predict") to the command that performs it.
	Commands map[string][]string `yaml:"commands"`
}

// ServerConfig controls the gRPC gateway.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"gte=0,lte=65535"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used for every key missing in the file.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Addr:           "localhost:6379",
			Prefix:         "relay",
			ConnectTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Lease:            60 * time.Second,
			WatchdogInterval: time.Second,
		},
		Queue: QueueConfig{
			TTL:       time.Hour,
			ResultTTL: time.Hour,
		},
		Dispatch: DispatchConfig{
			HandlerTimeout:  5 * time.Minute,
			HandlerMutexTTL: 6 * time.Minute,
			LockTTL:         3 * time.Minute,
			LockWait:        10 * time.Second,
			KillGrace:       5 * time.Second,
			JobTTL:          2 * time.Hour,
		},
		Worker: WorkerConfig{
			RegisterInterval:   10 * time.Second,
			ChannelInterval:    5 * time.Second,
			ProcessingLockTTL:  3 * time.Minute,
			ProcessingQueueTTL: time.Hour,
			ClaimLockTTL:       10 * time.Second,
			JobTimeout:         time.Hour,
		},
		Server:  ServerConfig{Port: 50051},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path on top of Default() and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := types.Validator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
