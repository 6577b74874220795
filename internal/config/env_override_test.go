package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderKeys(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("OLLAMA_BASE_URL", "")
	t.Setenv("TRACESTORE_DB", "")
	t.Setenv("PORT", "")
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("ANTHROPIC_API_KEY selects anthropic", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "ant-key", cfg.LLM.APIKey)
		assert.Equal(t, "anthropic", cfg.LLM.Provider)
	})

	t.Run("precedence: OPENAI overrides ANTHROPIC", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")
		t.Setenv("OPENAI_API_KEY", "oa-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa-key", cfg.LLM.APIKey)
		assert.Equal(t, "openai", cfg.LLM.Provider)
	})

	t.Run("precedence: GEMINI overrides OPENAI", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")
		t.Setenv("OPENAI_API_KEY", "oa-key")
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.LLM.APIKey)
		assert.Equal(t, "gemini", cfg.LLM.Provider)
	})
}

func TestEnvOverrides_Embedding(t *testing.T) {
	t.Run("GEMINI_API_KEY flows to genai embedding backend", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := DefaultConfig()
		cfg.Embedding.Backend = "genai"
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.Embedding.APIKey)
	})

	t.Run("EMBEDDING_API_KEY wins over GEMINI_API_KEY", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")
		t.Setenv("EMBEDDING_API_KEY", "emb-key")

		cfg := DefaultConfig()
		cfg.Embedding.Backend = "genai"
		cfg.applyEnvOverrides()

		assert.Equal(t, "emb-key", cfg.Embedding.APIKey)
	})

	t.Run("OLLAMA_BASE_URL applies to both llm and embedding", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")

		cfg := DefaultConfig()
		require.Equal(t, "ollama", cfg.LLM.Provider)
		require.Equal(t, "ollama", cfg.Embedding.Backend)
		cfg.applyEnvOverrides()

		assert.Equal(t, "http://ollama:11434", cfg.LLM.BaseURL)
		assert.Equal(t, "http://ollama:11434", cfg.Embedding.BaseURL)
	})
}

func TestEnvOverrides_Paths(t *testing.T) {
	t.Run("TRACESTORE_DB overrides database path", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("TRACESTORE_DB", "/var/lib/traces.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/var/lib/traces.db", cfg.Database.Path)
	})

	t.Run("PORT overrides server port", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("PORT", "9090")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("garbage PORT is ignored", func(t *testing.T) {
		clearProviderKeys(t)
		t.Setenv("PORT", "not-a-port")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 8000, cfg.Server.Port)
	})
}
