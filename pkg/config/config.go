// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the runtime's declarative configuration: the
// top-level Config struct, the YAML/JSON loader with environment
// variable expansion, pluggable config sources, and the shared
// database pool.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kadirpekel/strand/pkg/auth"
	"github.com/kadirpekel/strand/pkg/breaker"
	"github.com/kadirpekel/strand/pkg/budget"
	"github.com/kadirpekel/strand/pkg/credentials"
	"github.com/kadirpekel/strand/pkg/dlp"
	"github.com/kadirpekel/strand/pkg/guardrail"
	"github.com/kadirpekel/strand/pkg/llms"
	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/observability"
	"github.com/kadirpekel/strand/pkg/ratelimit"
	"github.com/kadirpekel/strand/pkg/session"
	"github.com/kadirpekel/strand/pkg/tools"
)

// Config is the complete runtime configuration.
type Config struct {
	Logging       logger.Config        `yaml:"logging" json:"logging"`
	Server        ServerConfig         `yaml:"server" json:"server"`
	Auth          auth.Config          `yaml:"auth" json:"auth"`
	Observability observability.Config `yaml:"observability" json:"observability"`
	Storage       StorageConfig        `yaml:"storage" json:"storage"`

	// Credentials are named secret references agents and providers
	// point at; values never appear in this file.
	Credentials []credentials.Reference `yaml:"credentials" json:"credentials"`

	// Providers extends the built-in provider registry.
	Providers []llms.ProviderDefinition `yaml:"providers" json:"providers"`

	Agents     map[string]AgentConfig `yaml:"agents" json:"agents"`
	Governance GovernanceConfig       `yaml:"governance" json:"governance"`
	Tools      ToolsConfig            `yaml:"tools" json:"tools"`
	Supervisor SupervisorConfig       `yaml:"supervisor" json:"supervisor"`
}

func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	c.Storage.SetDefaults()
	for name, a := range c.Agents {
		if a.Name == "" {
			a.Name = name
		}
		a.SetDefaults()
		c.Agents[name] = a
	}
}

func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if _, err := credentials.NewResolver(c.Credentials); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	for name, a := range c.Agents {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
	}
	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	return nil
}

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8420
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects where sessions, journal entries and budgets
// persist.
type StorageConfig struct {
	// Backend: memory or sql.
	Backend  string          `yaml:"backend" json:"backend"`
	Database *DatabaseConfig `yaml:"database" json:"database"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sql":
		if c.Database == nil {
			return fmt.Errorf("sql backend requires a database section")
		}
		return c.Database.Validate()
	default:
		return fmt.Errorf("unknown backend %q (valid: memory, sql)", c.Backend)
	}
}

// PricingConfig expresses provider prices the way vendors publish them,
// dollars per million tokens.
type PricingConfig struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// Pricing converts to the per-token rates the budget manager uses.
func (c PricingConfig) Pricing() budget.Pricing {
	return budget.Pricing{
		InputCost:  c.InputPerMillion / 1e6,
		OutputCost: c.OutputPerMillion / 1e6,
	}
}

// AgentConfig declares one agent: its model, prompt, limits and
// policies.
type AgentConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Provider names a registry entry; BaseURL alone declares an
	// ad-hoc openai-compatible endpoint.
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	BaseURL  string `yaml:"base_url" json:"base_url"`

	// APIKey names a credential reference, not a literal key.
	APIKey string `yaml:"api_key" json:"api_key"`

	SystemPrompt    string                `yaml:"system_prompt" json:"system_prompt"`
	ReasoningEffort model.ReasoningEffort `yaml:"reasoning_effort" json:"reasoning_effort"`
	Temperature     *float64              `yaml:"temperature" json:"temperature"`
	MaxOutputTokens int                   `yaml:"max_output_tokens" json:"max_output_tokens"`
	MaxSteps        int                   `yaml:"max_steps" json:"max_steps"`
	ContextTokens   int                   `yaml:"context_tokens" json:"context_tokens"`

	// Tools restricts the catalog when non-empty.
	Tools []string `yaml:"tools" json:"tools"`

	BudgetCap float64       `yaml:"budget_cap" json:"budget_cap"`
	Pricing   PricingConfig `yaml:"pricing" json:"pricing"`

	Permissions tools.Permission `yaml:"permissions" json:"permissions"`
	Sandbox     tools.Sandbox    `yaml:"sandbox" json:"sandbox"`
}

func (a *AgentConfig) SetDefaults() {
	if a.Provider == "" && a.BaseURL == "" {
		a.Provider = "anthropic"
	}
}

func (a *AgentConfig) Validate() error {
	if a.Provider == "" && a.BaseURL == "" {
		return fmt.Errorf("provider or base_url is required")
	}
	switch a.ReasoningEffort {
	case model.ReasoningOff, model.ReasoningLow, model.ReasoningMedium, model.ReasoningHigh:
	default:
		return fmt.Errorf("unknown reasoning_effort %q", a.ReasoningEffort)
	}
	if a.BudgetCap < 0 {
		return fmt.Errorf("budget_cap must be non-negative")
	}
	if a.MaxSteps < 0 || a.MaxOutputTokens < 0 || a.ContextTokens < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	return nil
}

// SessionConfig snapshots the agent's settings into the immutable
// per-session config the supervisor persists at spawn time.
func (a *AgentConfig) SessionConfig() session.Config {
	cfg := session.Config{
		Provider:        a.Provider,
		Model:           a.Model,
		ReasoningEffort: a.ReasoningEffort,
		Temperature:     a.Temperature,
		MaxOutputTokens: a.MaxOutputTokens,
		MaxSteps:        a.MaxSteps,
		ContextTokens:   a.ContextTokens,
		ToolAllowList:   append([]string(nil), a.Tools...),
		BudgetCap:       a.BudgetCap,
		SystemPrompt:    a.SystemPrompt,
	}
	cfg.SetDefaults()
	return cfg
}

// GovernanceConfig carries the runtime-wide safety nets.
type GovernanceConfig struct {
	RateLimit  ratelimit.Config `yaml:"rate_limit" json:"rate_limit"`
	Breaker    breaker.Config   `yaml:"breaker" json:"breaker"`
	Guardrails []guardrail.Rule `yaml:"guardrails" json:"guardrails"`
	DLP        []dlp.Rule       `yaml:"dlp" json:"dlp"`
}

// Validate compiles the declarative rules so bad patterns surface at
// load time instead of mid-session.
func (c *GovernanceConfig) Validate() error {
	if _, err := guardrail.NewEngine(c.Guardrails, nil); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if _, err := dlp.NewScanner(c.DLP); err != nil {
		return fmt.Errorf("dlp: %w", err)
	}
	return nil
}

// ToolsConfig declares external toolsets joining the built-in catalog.
type ToolsConfig struct {
	MCP     []tools.MCPConfig    `yaml:"mcp" json:"mcp"`
	Plugins []tools.PluginConfig `yaml:"plugins" json:"plugins"`
}

func (c *ToolsConfig) Validate() error {
	for _, m := range c.MCP {
		if m.Name == "" {
			return fmt.Errorf("mcp toolset requires a name")
		}
		if m.URL == "" && m.Command == "" {
			return fmt.Errorf("mcp toolset %q: url or command is required", m.Name)
		}
	}
	for _, p := range c.Plugins {
		if p.Name == "" || p.Path == "" {
			return fmt.Errorf("plugin toolset requires name and path")
		}
	}
	return nil
}

// SupervisorConfig tunes the sweeper.
type SupervisorConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	StaleAfter    time.Duration `yaml:"stale_after" json:"stale_after"`
	FailStale     bool          `yaml:"fail_stale" json:"fail_stale"`
}

// Default returns the zero-config runtime: one assistant agent against
// whichever provider has an API key in the environment, falling back
// to a local ollama.
func Default() *Config {
	agent := AgentConfig{
		Name:         "assistant",
		SystemPrompt: "You are a helpful assistant.",
		Sandbox:      tools.Sandbox{AllowedDirs: []string{"."}},
	}
	switch {
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		agent.Provider = "anthropic"
		agent.APIKey = "anthropic-key"
	case os.Getenv("OPENAI_API_KEY") != "":
		agent.Provider = "openai"
		agent.APIKey = "openai-key"
	case os.Getenv("GEMINI_API_KEY") != "":
		agent.Provider = "google"
		agent.APIKey = "gemini-key"
	default:
		agent.Provider = "ollama"
	}

	cfg := &Config{
		Credentials: []credentials.Reference{
			{Name: "anthropic-key", Source: credentials.SourceEnv, Key: "ANTHROPIC_API_KEY"},
			{Name: "openai-key", Source: credentials.SourceEnv, Key: "OPENAI_API_KEY"},
			{Name: "gemini-key", Source: credentials.SourceEnv, Key: "GEMINI_API_KEY"},
		},
		Agents: map[string]AgentConfig{"assistant": agent},
	}
	cfg.SetDefaults()
	return cfg
}
