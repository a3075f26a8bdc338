package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvSelfID, EnvSelfAddr, EnvListenAddr, EnvReplicationFactor, EnvEtcdEndpoints, EnvRegistryRoot, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "/service_registry", cfg.Registry.Root)
	assert.Equal(t, []string{"http://etcd:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 10, cfg.Etcd.SessionTTL)
	assert.NotEmpty(t, cfg.NodeID, "node id should default to a uuid")
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "registry.toml")
	data := `
node_id = "worker-1"
advertise_addr = "10.0.0.5:9090"
listen_addr = ":9090"

[etcd]
endpoints = ["http://a:2379", "http://b:2379"]
request_timeout = "2s"
session_ttl = 4

[registry]
root = "/workers"
resync_interval = "30s"

[log]
level = "debug"
format = "console"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-1", cfg.NodeID)
	assert.Equal(t, "10.0.0.5:9090", cfg.AdvertiseAddr)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Etcd.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Etcd.DialTimeout, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Etcd.SessionTTL)
	assert.Equal(t, "/workers", cfg.Registry.Root)
	assert.Equal(t, 30*time.Second, cfg.Registry.ResyncInterval)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvSelfID:            "node7",
		EnvSelfAddr:          "node7:8080",
		EnvReplicationFactor: "3",
		EnvEtcdEndpoints:     " http://x:2379 , ,http://y:2379",
		EnvRegistryRoot:      "/svc",
		EnvLogLevel:          "warn",
	}
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, func(k string) string { return env[k] }))

	assert.Equal(t, "node7", cfg.NodeID)
	assert.Equal(t, "node7:8080", cfg.AdvertiseAddr)
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, []string{"http://x:2379", "http://y:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "/svc", cfg.Registry.Root)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvBadReplicationFactor(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, func(k string) string {
		if k == EnvReplicationFactor {
			return "many"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.ListenAddr = "" }},
		{"zero rf", func(c *Config) { c.ReplicationFactor = 0 }},
		{"relative root", func(c *Config) { c.Registry.Root = "svc" }},
		{"trailing slash", func(c *Config) { c.Registry.Root = "/svc/" }},
		{"double slash", func(c *Config) { c.Registry.Root = "/a//b" }},
		{"dot segment", func(c *Config) { c.Registry.Root = "/a/./b" }},
		{"dot-dot segment", func(c *Config) { c.Registry.Root = "/a/../b" }},
		{"no endpoints", func(c *Config) { c.Etcd.Endpoints = nil }},
		{"zero ttl", func(c *Config) { c.Etcd.SessionTTL = 0 }},
		{"zero refresh timeout", func(c *Config) { c.Registry.RefreshTimeout = 0 }},
		{"negative resync", func(c *Config) { c.Registry.ResyncInterval = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
