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

// Package tools implements the tool catalog and the policy-gated
// executor. Every invocation flows through the same gate sequence and
// comes back as a tool result payload, never as a Go error, so a
// misbehaving tool cannot kill the reasoning loop.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/registry"
)

// RiskLevel orders tools by blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank makes risk levels comparable. Unknown levels rank highest so a
// typo in config fails safe.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}

// SideEffect declares a category of externally visible behavior.
type SideEffect string

const (
	EffectFilesystemRead  SideEffect = "filesystem_read"
	EffectFilesystemWrite SideEffect = "filesystem_write"
	EffectNetwork         SideEffect = "network"
	EffectProcess         SideEffect = "process"
)

// Profile is a tool's static policy metadata.
type Profile struct {
	Risk        RiskLevel
	SideEffects []SideEffect
	// Mutates serializes this tool with other mutating tools of the
	// same session.
	Mutates bool
	// Deadline overrides the executor's default per-call timeout.
	Deadline time.Duration
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string

	// Schema is the JSON schema of the arguments, nil for none.
	Schema() map[string]any

	Profile() Profile

	// Call runs the tool. Returned errors become handler_failed
	// results; policy violations never reach this far.
	Call(ctx context.Context, ec *ExecContext, args map[string]any) (map[string]any, error)
}

// Toolset groups externally provided tools and resolves them lazily.
type Toolset interface {
	Name() string
	Tools(ctx context.Context) ([]Tool, error)
}

// Registry is the effective catalog: built-ins, toolsets, and
// per-agent overrides, in ascending precedence.
type Registry struct {
	builtins  *registry.BaseRegistry[Tool]
	toolsets  []Toolset
	overrides map[string]map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		builtins:  registry.NewBaseRegistry[Tool](),
		overrides: make(map[string]map[string]Tool),
	}
}

// Register adds a built-in tool.
func (r *Registry) Register(t Tool) error {
	return r.builtins.Register(t.Name(), t)
}

// AddToolset attaches a toolset to the catalog.
func (r *Registry) AddToolset(ts Toolset) {
	r.toolsets = append(r.toolsets, ts)
}

// Override installs an agent-specific replacement for a tool name.
func (r *Registry) Override(agentID string, t Tool) {
	if r.overrides[agentID] == nil {
		r.overrides[agentID] = make(map[string]Tool)
	}
	r.overrides[agentID][t.Name()] = t
}

// Resolve finds a tool by name for an agent.
func (r *Registry) Resolve(ctx context.Context, agentID, name string) (Tool, error) {
	if t, ok := r.overrides[agentID][name]; ok {
		return t, nil
	}
	if t, ok := r.builtins.Get(name); ok {
		return t, nil
	}
	for _, ts := range r.toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing toolset %s: %w", ts.Name(), err)
		}
		for _, t := range tools {
			if t.Name() == name {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

// Catalog lists the tools visible to an agent. A non-nil allow list
// restricts the catalog to the named tools.
func (r *Registry) Catalog(ctx context.Context, agentID string, allow []string) ([]Tool, error) {
	var allowSet map[string]bool
	if allow != nil {
		allowSet = make(map[string]bool, len(allow))
		for _, name := range allow {
			allowSet[name] = true
		}
	}

	seen := make(map[string]bool)
	var out []Tool
	add := func(t Tool) {
		if seen[t.Name()] {
			return
		}
		if allowSet != nil && !allowSet[t.Name()] {
			return
		}
		seen[t.Name()] = true
		out = append(out, t)
	}

	for _, t := range r.overrides[agentID] {
		add(t)
	}
	for _, t := range r.builtins.List() {
		add(t)
	}
	for _, ts := range r.toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing toolset %s: %w", ts.Name(), err)
		}
		for _, t := range tools {
			add(t)
		}
	}
	return out, nil
}

// Definitions converts a catalog to the declarations sent to the model.
func Definitions(tools []Tool) []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}
