package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

// Environment overrides, applied after the config file.
const (
	EnvSelfID            = "SELF_ID"
	EnvSelfAddr          = "SELF_ADDR"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvReplicationFactor = "REPLICATION_FACTOR"
	EnvEtcdEndpoints     = "ETCD_ENDPOINTS"
	EnvRegistryRoot      = "REGISTRY_ROOT"
	EnvLogLevel          = "LOG_LEVEL"
)

type Config struct {
	// NodeID names this process in logs and /info. Defaults to a random UUID.
	NodeID string `toml:"node_id"`
	// AdvertiseAddr is the payload registered under the registry root; peers
	// use it to reach this process.
	AdvertiseAddr string `toml:"advertise_addr"`
	// ListenAddr is where the HTTP surface binds.
	ListenAddr        string `toml:"listen_addr"`
	ReplicationFactor int    `toml:"replication_factor"`
	Tracing           bool   `toml:"tracing"`

	Etcd     EtcdConfig     `toml:"etcd"`
	Registry RegistryConfig `toml:"registry"`
	Log      LogConfig      `toml:"log"`
}

type EtcdConfig struct {
	Endpoints      []string      `toml:"endpoints"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	// SessionTTL is the lease TTL in seconds; members of a crashed process
	// disappear after at most this long.
	SessionTTL int `toml:"session_ttl"`
}

type RegistryConfig struct {
	Root string `toml:"root"`
	// RefreshTimeout bounds a watch-triggered refresh.
	RefreshTimeout time.Duration `toml:"refresh_timeout"`
	// ResyncInterval > 0 re-reads membership periodically on top of watches.
	ResyncInterval time.Duration `toml:"resync_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		ReplicationFactor: 2,
		Etcd: EtcdConfig{
			Endpoints:      []string{"http://etcd:2379"},
			DialTimeout:    5 * time.Second,
			RequestTimeout: 5 * time.Second,
			SessionTTL:     10,
		},
		Registry: RegistryConfig{
			Root:           "/service_registry",
			RefreshTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads defaults, then the TOML file at path (if non-empty), then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvSelfID)); v != "" {
		cfg.NodeID = v
	}
	if v := strings.TrimSpace(getenv(EnvSelfAddr)); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := strings.TrimSpace(getenv(EnvListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(getenv(EnvReplicationFactor)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReplicationFactor, err)
		}
		cfg.ReplicationFactor = n
	}
	if v := strings.TrimSpace(getenv(EnvEtcdEndpoints)); v != "" {
		cfg.Etcd.Endpoints = splitCSV(v)
	}
	if v := strings.TrimSpace(getenv(EnvRegistryRoot)); v != "" {
		cfg.Registry.Root = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	if c.ReplicationFactor <= 0 {
		return fmt.Errorf("replication_factor must be positive, got %d", c.ReplicationFactor)
	}
	if err := coord.Validate(c.Registry.Root); err != nil {
		return fmt.Errorf("registry root %q: %w", c.Registry.Root, err)
	}
	if len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("config missing etcd endpoints")
	}
	if c.Etcd.SessionTTL <= 0 {
		return fmt.Errorf("etcd session_ttl must be positive, got %d", c.Etcd.SessionTTL)
	}
	if c.Registry.RefreshTimeout <= 0 {
		return fmt.Errorf("registry refresh_timeout must be positive")
	}
	if c.Registry.ResyncInterval < 0 {
		return fmt.Errorf("registry resync_interval must not be negative")
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
