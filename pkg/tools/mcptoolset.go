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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/version"
)

// MCPConfig configures a connection to one MCP server.
type MCPConfig struct {
	// Name identifies the toolset.
	Name string `yaml:"name" json:"name"`

	// URL of the server for HTTP transports.
	URL string `yaml:"url" json:"url"`

	// Transport: streamable-http (default), sse, or stdio.
	Transport string `yaml:"transport" json:"transport"`

	// Command and Args spawn a stdio server.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`

	// Filter limits the exposed tools when non-empty.
	Filter []string `yaml:"filter" json:"filter"`

	// Risk assigned to every tool from this server.
	Risk RiskLevel `yaml:"risk" json:"risk"`
}

// MCPToolset bridges an MCP server into the catalog. The connection is
// established lazily on the first Tools call.
type MCPToolset struct {
	cfg    MCPConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    *client.Client
	tools     []Tool
	connected bool
}

func NewMCPToolset(cfg MCPConfig) (*MCPToolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcp toolset %s: either url or command is required", cfg.Name)
	}
	if cfg.Risk == "" {
		cfg.Risk = RiskMedium
	}
	return &MCPToolset{cfg: cfg, logger: logger.For("mcp")}, nil
}

func (t *MCPToolset) Name() string {
	return t.cfg.Name
}

// Tools lists the server's tools, connecting on first use.
func (t *MCPToolset) Tools(ctx context.Context) ([]Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting to mcp server %s: %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

// Close shuts the client down.
func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.connected = false
	return err
}

func (t *MCPToolset) connect(ctx context.Context) error {
	var (
		c   *client.Client
		err error
	)
	switch {
	case t.cfg.Command != "" || t.cfg.Transport == "stdio":
		c, err = client.NewStdioMCPClient(t.cfg.Command, nil, t.cfg.Args...)
	case t.cfg.Transport == "sse":
		c, err = client.NewSSEMCPClient(t.cfg.URL)
	default:
		c, err = client.NewStreamableHttpClient(t.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("creating mcp client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("starting mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "strand",
		Version: version.Version,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("initializing mcp session: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("listing mcp tools: %w", err)
	}

	var filterSet map[string]bool
	if len(t.cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(t.cfg.Filter))
		for _, name := range t.cfg.Filter {
			filterSet[name] = true
		}
	}

	var tools []Tool
	for _, remote := range listResp.Tools {
		if filterSet != nil && !filterSet[remote.Name] {
			continue
		}
		tools = append(tools, &mcpTool{
			toolset:     t,
			name:        remote.Name,
			description: remote.Description,
			schema:      convertMCPSchema(remote.InputSchema),
		})
	}

	t.client = c
	t.tools = tools
	t.connected = true
	t.logger.Info("connected to mcp server", "name", t.cfg.Name, "tools", len(tools))
	return nil
}

func convertMCPSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// mcpTool is one remote tool exposed through the bridge.
type mcpTool struct {
	toolset     *MCPToolset
	name        string
	description string
	schema      map[string]any
}

func (t *mcpTool) Name() string           { return t.name }
func (t *mcpTool) Description() string    { return t.description }
func (t *mcpTool) Schema() map[string]any { return t.schema }

func (t *mcpTool) Profile() Profile {
	return Profile{Risk: t.toolset.cfg.Risk, SideEffects: []SideEffect{EffectNetwork}}
}

func (t *mcpTool) Call(ctx context.Context, ec *ExecContext, args map[string]any) (map[string]any, error) {
	t.toolset.mu.Lock()
	c := t.toolset.client
	t.toolset.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("mcp toolset %s is not connected", t.toolset.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling mcp tool %s: %w", t.name, err)
	}

	var text string
	for _, content := range resp.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text += tc.Text
		}
	}
	if resp.IsError {
		return nil, fmt.Errorf("mcp tool %s failed: %s", t.name, text)
	}
	return map[string]any{"content": text}, nil
}
