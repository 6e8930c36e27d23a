package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_HISTORY_WINDOW", "")
	t.Setenv("AGENT_MAX_TOOL_ITERATIONS", "")
	t.Setenv("AGENT_PROCESSING_TIMEOUT", "")
	t.Setenv("LLM_TEMPERATURE", "")

	cfg := Load()

	assert.Equal(t, 10, cfg.HistoryWindow)
	assert.Equal(t, 6, cfg.MaxToolIterations)
	assert.Equal(t, 90*time.Second, cfg.ProcessingTimeout)
	assert.Equal(t, "agent.queue.process", cfg.NATSQueueSubject)
	assert.InDelta(t, 0.3, cfg.LLMTemperature, 1e-9)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_HISTORY_WINDOW", "30")
	t.Setenv("AGENT_DEBOUNCE_ENABLED", "true")
	t.Setenv("AGENT_PROCESSING_TIMEOUT", "15s")
	t.Setenv("MEDIA_MAX_BYTES", "not-a-number")
	t.Setenv("LLM_TEMPERATURE", "0.7")

	cfg := Load()

	assert.Equal(t, 30, cfg.HistoryWindow)
	assert.True(t, cfg.DebounceEnabled)
	assert.Equal(t, 15*time.Second, cfg.ProcessingTimeout)
	assert.Equal(t, int64(10<<20), cfg.MediaMaxBytes)
	assert.InDelta(t, 0.7, cfg.LLMTemperature, 1e-9)
}

func TestValidate(t *testing.T) {
	cfg := &Config{HistoryWindow: 10, MaxToolIterations: 6}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "OPENAI_API_KEY or ANTHROPIC_API_KEY")

	cfg.DatabaseURL = "postgres://localhost/clinic"
	cfg.AnthropicAPIKey = "sk-ant"
	require.NoError(t, cfg.Validate())

	cfg.MaxToolIterations = 0
	require.Error(t, cfg.Validate())
}
