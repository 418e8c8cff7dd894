package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CONTEXT_MEMORY_SIZE", "")
	t.Setenv("PROMPT_TEMPLATE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DefaultContextSettings(), cfg.Context)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CONTEXT_MEMORY_SIZE", "12")
	t.Setenv("CONTEXT_TOKEN_BUDGET", "4096")
	t.Setenv("CONTEXT_SCAN_DEPTH", "2")
	t.Setenv("PROMPT_TEMPLATE", "chatml")
	t.Setenv("SESSION_IDLE_TTL", "5m")
	t.Setenv("DEBUG_MODE", "false")
	t.Setenv("LLM_TRANSPORT", "echo")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 12, cfg.Context.MemorySize)
	assert.Equal(t, 4096, cfg.Context.TokenBudget)
	assert.Equal(t, 2, cfg.Context.ScanDepth)
	assert.Equal(t, "chatml", cfg.Context.Template)
	assert.Equal(t, 5*time.Minute, cfg.SessionIdleTTL)
	assert.False(t, cfg.DebugMode)
	assert.Equal(t, "echo", cfg.LLMTransport)
}

func TestLoadRejectsBadScanDepth(t *testing.T) {
	t.Setenv("CONTEXT_SCAN_DEPTH", "7")
	_, err := Load()
	assert.Error(t, err)
}

func TestUpdateContextSettings(t *testing.T) {
	InitConfig(&AppConfig{Port: "8080", Context: DefaultContextSettings()})

	updated := DefaultContextSettings()
	updated.MemorySize = 8
	require.NoError(t, UpdateContextSettings(updated))
	assert.Equal(t, 8, GetCurrentConfig().Context.MemorySize)

	bad := updated
	bad.TokenBudget = 0
	assert.Error(t, UpdateContextSettings(bad))
	assert.Equal(t, 8, GetCurrentConfig().Context.MemorySize)

	// 返回的是副本
	cfg := GetCurrentConfig()
	cfg.Context.MemorySize = 99
	assert.Equal(t, 8, GetCurrentConfig().Context.MemorySize)
}
