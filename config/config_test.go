package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback.evalgo.org/escalation"
)

const sampleYAML = `
service:
  name: ide-feedback
server:
  port: 9090
registry:
  throttle_window: 250ms
  max_operations: 50
escalation:
  global:
    modal_threshold: 3s
  operation_types:
    network:
      timeout: 30s
  components:
    file-panel:
      inline_enabled: false
bridge:
  adapter: redis
  redis_url: redis://localhost:6379/1
storage:
  bolt_path: /var/lib/feedback/profiles.db
tracing:
  enabled: true
  sampling_ratio: 0.5
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("FEEDBACK", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "feedback", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 16*time.Millisecond, cfg.Registry.ThrottleWindow)
	assert.Equal(t, 1000, cfg.Registry.MaxOperations)
	assert.Equal(t, time.Minute, cfg.Registry.CleanupInterval)
	assert.Equal(t, time.Hour, cfg.Registry.RetentionAge)
	assert.Equal(t, AdapterNone, cfg.Bridge.Adapter)
	assert.Equal(t, "operation-progress", cfg.Bridge.InboundEvent)
	assert.Equal(t, "cancel-operation", cfg.Bridge.CancelEvent)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, escalation.Snapshot{}, cfg.Escalation.Snapshot())
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)

	cfg, loader, err := LoadWithLoader("FEEDBACK", path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFile())

	assert.Equal(t, "ide-feedback", cfg.Service.Name)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Registry.ThrottleWindow)
	assert.Equal(t, 50, cfg.Registry.MaxOperations)
	assert.Equal(t, AdapterRedis, cfg.Bridge.Adapter)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Bridge.RedisURL)
	assert.Equal(t, "/var/lib/feedback/profiles.db", cfg.Storage.BoltPath)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.5, cfg.Tracing.SamplingRatio)

	snap := cfg.Escalation.Snapshot()
	require.NotNil(t, snap.Global.ModalThreshold)
	assert.Equal(t, 3*time.Second, *snap.Global.ModalThreshold)
	assert.Nil(t, snap.Global.InlineThreshold)
	require.Contains(t, snap.OperationTypes, "network")
	assert.Equal(t, 30*time.Second, *snap.OperationTypes["network"].Timeout)
	require.Contains(t, snap.Components, "file-panel")
	assert.False(t, *snap.Components["file-panel"].InlineEnabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	t.Setenv("FEEDBACK_SERVER_PORT", "7070")
	t.Setenv("FEEDBACK_BRIDGE_ADAPTER", "amqp")
	t.Setenv("FEEDBACK_REGISTRY_THROTTLE_WINDOW", "-1ms")

	cfg, err := LoadConfig("FEEDBACK", path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, AdapterAMQP, cfg.Bridge.Adapter)
	assert.Equal(t, -time.Millisecond, cfg.Registry.ThrottleWindow)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{Server: ServerConfig{Port: 8080}, Tracing: TracingConfig{SamplingRatio: 1}}
	}
	require.NoError(t, ValidateConfig(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"max operations", func(c *Config) { c.Registry.MaxOperations = -1 }},
		{"retention", func(c *Config) { c.Registry.RetentionAge = -time.Second }},
		{"adapter", func(c *Config) { c.Bridge.Adapter = "carrier-pigeon" }},
		{"sampling", func(c *Config) { c.Tracing.SamplingRatio = 1.5 }},
		{"escalation", func(c *Config) {
			c.Escalation.OperationTypes = map[string]escalation.Override{
				"network": {Timeout: escalation.Duration(-time.Second)},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}
}

func TestLoadConfig_RejectsInvalidEscalation(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
escalation:
  global:
    inline_threshold: 5s
`)
	_, err := LoadConfig("FEEDBACK", path)
	assert.ErrorIs(t, err, escalation.ErrInvalidConfig)
}

func TestApplyEscalation(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	cfg, err := LoadConfig("FEEDBACK", path)
	require.NoError(t, err)

	store := escalation.NewStore(escalation.StoreConfig{})
	require.NoError(t, ApplyEscalation(cfg, store))

	resolved := store.ResolveConfig(escalation.Scope{OperationType: "network", ComponentID: "file-panel"})
	assert.Equal(t, 3*time.Second, resolved.ModalThreshold)
	assert.Equal(t, 30*time.Second, resolved.Timeout)
	assert.False(t, resolved.InlineEnabled)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleYAML)

	_, loader, err := LoadWithLoader("FEEDBACK", path)
	require.NoError(t, err)

	var mu sync.Mutex
	var reloaded *Config
	require.True(t, loader.Watch(func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		reloaded = cfg
	}, nil))
	assert.False(t, loader.Watch(func(*Config) {}, nil))

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, `
escalation:
  global:
    modal_threshold: 4s
`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloaded != nil && reloaded.Escalation.Global.ModalThreshold != nil &&
			*reloaded.Escalation.Global.ModalThreshold == 4*time.Second
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatch_WithoutFile(t *testing.T) {
	_, loader, err := LoadWithLoader("FEEDBACK", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, loader.Watch(func(*Config) {}, nil))
}
