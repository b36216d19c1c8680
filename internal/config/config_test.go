package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	path := filepath.Join(t.TempDir(), "empty.toml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Pipeline.BufferDelay)
	assert.Equal(t, 20, cfg.Pipeline.HistoryLimit)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.InactivityDelay)
	assert.False(t, cfg.Pipeline.FollowUpChain)
	assert.Equal(t, 5, cfg.Queue.ProcessingWorkers)
	assert.Equal(t, 15*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replyflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
url = "postgres://file"

[pipeline]
buffer_delay = "5s"
history_limit = 40

[ai]
provider = "claude"
api_key = "from-file"
`), 0644))

	t.Setenv("REPLYFLOW_PIPELINE_BUFFER_DELAY", "1500ms")
	t.Setenv("REPLYFLOW_PIPELINE_FOLLOW_UP_CHAIN", "true")
	t.Setenv("REPLYFLOW_AI_API_KEY", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file", cfg.Database.URL)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pipeline.BufferDelay)
	assert.Equal(t, 40, cfg.Pipeline.HistoryLimit)
	assert.True(t, cfg.Pipeline.FollowUpChain)
	assert.Equal(t, "claude", cfg.AI.Provider)
	assert.Equal(t, "from-env", cfg.AI.APIKey)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.NoError(t, Validate(cfg))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "pipeline.inactivity_delay", envKey("REPLYFLOW_PIPELINE_INACTIVITY_DELAY"))
	assert.Equal(t, "redis.addr", envKey("REPLYFLOW_REDIS_ADDR"))
	assert.Equal(t, "debug", envKey("REPLYFLOW_DEBUG"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8888},
			Database: DatabaseConfig{URL: "postgres://x"},
			Redis:    RedisConfig{Addr: "localhost:6379"},
			Pipeline: PipelineConfig{BufferDelay: 3 * time.Second, HistoryLimit: 20, InactivityDelay: time.Hour},
			AI:       AIConfig{Provider: "ollama"},
		}
	}
	require.NoError(t, Validate(valid()))

	cases := map[string]func(c *Config){
		"missing database": func(c *Config) { c.Database.URL = "" },
		"missing redis":    func(c *Config) { c.Redis.Addr = " " },
		"bad port":         func(c *Config) { c.Server.Port = 70000 },
		"no history":       func(c *Config) { c.Pipeline.HistoryLimit = 0 },
		"no inactivity":    func(c *Config) { c.Pipeline.InactivityDelay = 0 },
		"missing api key":  func(c *Config) { c.AI.Provider = "openai" },
		"unknown provider": func(c *Config) { c.AI.Provider = "mystery" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replyflow.toml")
	require.NoError(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.AI.Provider)

	assert.Error(t, InitConfig(path))
}
