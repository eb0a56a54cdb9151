package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strand/pkg/config/provider"
	"github.com/kadirpekel/strand/pkg/tools"
)

const fullConfig = `
logging:
  level: debug
  format: json

server:
  host: 127.0.0.1
  port: 9000
  shutdown_timeout: 30s

storage:
  backend: sql
  database:
    driver: sqlite
    database: /tmp/strand-test.db

credentials:
  - name: anthropic-key
    source: env
    key: ANTHROPIC_API_KEY

providers:
  - id: corp-llm
    base_url: https://llm.corp.internal/v1
    default_model: corp-7b

agents:
  researcher:
    provider: anthropic
    model: claude-sonnet-4-20250514
    api_key: anthropic-key
    system_prompt: "Research things."
    reasoning_effort: high
    max_steps: 20
    budget_cap: 5.0
    pricing:
      input_per_million: 3
      output_per_million: 15
    tools:
      - web_fetch
      - read_file
    permissions:
      max_risk: medium
      approval_threshold: medium
      approval_timeout: 2m
    sandbox:
      allowed_dirs:
        - /workspace

governance:
  rate_limit:
    per_tool:
      per_minute: 60
      burst: 5
  breaker:
    failure_threshold: 3
    cooldown: 45s
  guardrails:
    - name: no-secrets
      type: output_pattern
      action: stop_agent
      pattern: "BEGIN RSA PRIVATE KEY"
  dlp:
    - name: emails
      pattern: "[a-z0-9._%+-]+@[a-z0-9.-]+"
      action: redact

supervisor:
  sweep_interval: 10s
  stale_after: 1m
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sql", cfg.Storage.Backend)
	require.NotNil(t, cfg.Storage.Database)
	assert.Equal(t, "sqlite3", cfg.Storage.Database.DriverName())

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "corp-llm", cfg.Providers[0].ID)

	agent, ok := cfg.Agents["researcher"]
	require.True(t, ok)
	assert.Equal(t, "researcher", agent.Name)
	assert.Equal(t, "high", string(agent.ReasoningEffort))
	assert.Equal(t, 20, agent.MaxSteps)
	assert.Equal(t, tools.RiskMedium, agent.Permissions.MaxRisk)
	assert.Equal(t, 2*time.Minute, agent.Permissions.ApprovalTimeout)
	assert.Equal(t, []string{"/workspace"}, agent.Sandbox.AllowedDirs)

	assert.InDelta(t, 60, cfg.Governance.RateLimit.PerTool.PerMinute, 1e-9)
	assert.Equal(t, 3, cfg.Governance.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Governance.Breaker.Cooldown)
	require.Len(t, cfg.Governance.Guardrails, 1)
	assert.Equal(t, "no-secrets", cfg.Governance.Guardrails[0].Name)
	require.Len(t, cfg.Governance.DLP, 1)

	assert.Equal(t, 10*time.Second, cfg.Supervisor.SweepInterval)
	assert.Equal(t, time.Minute, cfg.Supervisor.StaleAfter)

	// Pricing in dollars per million tokens converts to per-token.
	assert.InDelta(t, 3e-6, agent.Pricing.Pricing().InputCost, 1e-12)
}

func TestParseJSONFallback(t *testing.T) {
	cfg, err := Parse([]byte(`{"agents":{"a":{"provider":"ollama"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Agents["a"].Provider)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("{{{not config"))
	assert.Error(t, err)
}

func TestParseValidationFailures(t *testing.T) {
	cases := map[string]string{
		"no agents":      `logging: {level: info}`,
		"bad backend":    "storage: {backend: redis}\nagents: {a: {provider: ollama}}",
		"bad level":      "logging: {level: loud}\nagents: {a: {provider: ollama}}",
		"dup credential": "credentials:\n  - {name: k, source: env, key: A}\n  - {name: k, source: env, key: B}\nagents: {a: {provider: ollama}}",
		"bad guardrail":  "governance: {guardrails: [{name: g, type: output_pattern, action: stop_agent, pattern: '('}]}\nagents: {a: {provider: ollama}}",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("STRAND_TEST_MODEL", "claude-sonnet-4-20250514")
	t.Setenv("STRAND_TEST_PORT", "")

	doc := `
server:
  port: ${STRAND_TEST_PORT:-9100}
agents:
  a:
    provider: anthropic
    model: ${STRAND_TEST_MODEL}
    system_prompt: model is $STRAND_TEST_MODEL
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Agents["a"].Model)
	assert.Equal(t, "model is claude-sonnet-4-20250514", cfg.Agents["a"].SystemPrompt)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: {a: {provider: ollama}}"), 0o644))

	cfg, loader, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()
	assert.Equal(t, "ollama", cfg.Agents["a"].Provider)
}

func TestLoadFileMissing(t *testing.T) {
	_, _, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: {a: {provider: ollama}}"), 0o644))

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	var reloaded atomic.Pointer[Config]
	loader := NewLoader(p, WithOnChange(func(c *Config) {
		reloaded.Store(c)
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loader.Watch(ctx) }()

	// Give the watcher a moment to arm before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("agents: {a: {provider: openai}}"), 0o644))

	require.Eventually(t, func() bool {
		c := reloaded.Load()
		return c != nil && c.Agents["a"].Provider == "openai"
	}, 5*time.Second, 25*time.Millisecond)
}
