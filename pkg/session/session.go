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

// Package session defines the session entity — one long-running
// reasoning trace for an agent — its state machine, and the persistence
// port with in-memory and SQL adapters.
package session

import (
	"time"

	"github.com/kadirpekel/strand/pkg/model"
)

// State is a session's lifecycle position.
type State string

const (
	StatePending           State = "pending"
	StateRunning           State = "running"
	StateAwaitingTool      State = "awaiting_tool"
	StateAwaitingApproval  State = "awaiting_approval"
	StatePaused            State = "paused"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// IsTerminal reports whether the state admits no further steps.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Config is the immutable configuration snapshot taken at spawn time.
type Config struct {
	Provider        string                `json:"provider"`
	Model           string                `json:"model"`
	ReasoningEffort model.ReasoningEffort `json:"reasoning_effort,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"max_output_tokens"`
	MaxSteps        int                   `json:"max_steps"`
	ContextTokens   int                   `json:"context_tokens"`
	ToolAllowList   []string              `json:"tool_allow_list,omitempty"`
	BudgetCap       float64               `json:"budget_cap"`
	SystemPrompt    string                `json:"system_prompt,omitempty"`
}

// SetDefaults fills unset fields with runtime defaults.
func (c *Config) SetDefaults() {
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 4096
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = 50
	}
	if c.ContextTokens == 0 {
		c.ContextTokens = 100_000
	}
}

// Session is a reasoning trace owned by the supervisor. The reasoning
// loop holds the per-session mutex while a step is in flight; everyone
// else reads snapshots from the store.
type Session struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`

	Config Config `json:"config"`

	State State `json:"state"`
	// StateReason qualifies paused/failed states (budget_exhausted,
	// guardrail:<rule>, persistence, ...).
	StateReason string `json:"state_reason,omitempty"`

	Step      int         `json:"step"`
	Usage     model.Usage `json:"usage"`
	CostTotal float64     `json:"cost_total"`

	CreatedAt     time.Time  `json:"created_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	TerminalAt    *time.Time `json:"terminal_at,omitempty"`
}

// Clone returns a snapshot safe to hand to readers.
func (s *Session) Clone() *Session {
	out := *s
	if s.TerminalAt != nil {
		at := *s.TerminalAt
		out.TerminalAt = &at
	}
	if s.Config.Temperature != nil {
		temp := *s.Config.Temperature
		out.Config.Temperature = &temp
	}
	if s.Config.ToolAllowList != nil {
		out.Config.ToolAllowList = append([]string(nil), s.Config.ToolAllowList...)
	}
	return &out
}
