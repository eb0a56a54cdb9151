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
	"fmt"
	"net/rpc"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// ToolProvider is the interface a plugin binary implements. It runs in
// its own process; strand talks to it over net/rpc.
type ToolProvider interface {
	ListTools() ([]PluginToolInfo, error)
	CallTool(name string, args map[string]any) (map[string]any, error)
}

// PluginToolInfo describes one tool a plugin exports.
type PluginToolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
	Risk        RiskLevel
	Mutates     bool
}

var pluginHandshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "STRAND_PLUGIN",
	MagicCookieValue: "strand_plugin_v1",
}

const pluginDispenseKey = "tools"

// ServePlugin is called from a plugin binary's main to expose its
// provider.
func ServePlugin(impl ToolProvider) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: pluginHandshake,
		Plugins: map[string]plugin.Plugin{
			pluginDispenseKey: &toolProviderPlugin{Impl: impl},
		},
	})
}

// PluginConfig points at one plugin binary.
type PluginConfig struct {
	Name string   `yaml:"name" json:"name"`
	Path string   `yaml:"path" json:"path"`
	Args []string `yaml:"args" json:"args"`
}

// PluginToolset runs tools hosted in an external plugin binary. The
// subprocess starts lazily on the first Tools call and is reaped by
// Close.
type PluginToolset struct {
	cfg    PluginConfig
	logger hclog.Logger

	mu       sync.Mutex
	client   *plugin.Client
	provider ToolProvider
	tools    []Tool
}

func NewPluginToolset(cfg PluginConfig) (*PluginToolset, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("plugin toolset %s: path is required", cfg.Name)
	}
	return &PluginToolset{
		cfg: cfg,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "strand-plugin",
			Level: hclog.Info,
		}),
	}, nil
}

func (t *PluginToolset) Name() string {
	return t.cfg.Name
}

func (t *PluginToolset) Tools(ctx context.Context) ([]Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.provider == nil {
		if err := t.start(); err != nil {
			return nil, fmt.Errorf("starting plugin %s: %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

// Close kills the plugin subprocess.
func (t *PluginToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Kill()
		t.client = nil
		t.provider = nil
	}
	return nil
}

func (t *PluginToolset) start() error {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: pluginHandshake,
		Plugins: map[string]plugin.Plugin{
			pluginDispenseKey: &toolProviderPlugin{},
		},
		Cmd:              exec.Command(t.cfg.Path, t.cfg.Args...),
		Logger:           t.logger,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("connecting to plugin: %w", err)
	}
	raw, err := rpcClient.Dispense(pluginDispenseKey)
	if err != nil {
		client.Kill()
		return fmt.Errorf("dispensing tool provider: %w", err)
	}
	provider, ok := raw.(ToolProvider)
	if !ok {
		client.Kill()
		return fmt.Errorf("plugin does not implement the tool provider interface")
	}

	infos, err := provider.ListTools()
	if err != nil {
		client.Kill()
		return fmt.Errorf("listing plugin tools: %w", err)
	}

	tools := make([]Tool, 0, len(infos))
	for _, info := range infos {
		if info.Risk == "" {
			info.Risk = RiskMedium
		}
		tools = append(tools, &pluginTool{toolset: t, info: info})
	}

	t.client = client
	t.provider = provider
	t.tools = tools
	t.logger.Info("plugin started", "name", t.cfg.Name, "tools", len(tools))
	return nil
}

// pluginTool is one tool proxied to the plugin subprocess.
type pluginTool struct {
	toolset *PluginToolset
	info    PluginToolInfo
}

func (t *pluginTool) Name() string           { return t.info.Name }
func (t *pluginTool) Description() string    { return t.info.Description }
func (t *pluginTool) Schema() map[string]any { return t.info.Schema }

func (t *pluginTool) Profile() Profile {
	return Profile{Risk: t.info.Risk, SideEffects: []SideEffect{EffectProcess}, Mutates: t.info.Mutates}
}

func (t *pluginTool) Call(ctx context.Context, ec *ExecContext, args map[string]any) (map[string]any, error) {
	t.toolset.mu.Lock()
	provider := t.toolset.provider
	t.toolset.mu.Unlock()
	if provider == nil {
		return nil, fmt.Errorf("plugin %s is not running", t.toolset.cfg.Name)
	}

	// net/rpc has no context plumbing; honor cancellation around the
	// blocking call.
	type callResult struct {
		payload map[string]any
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		payload, err := provider.CallTool(t.info.Name, args)
		done <- callResult{payload, err}
	}()

	select {
	case res := <-done:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// toolProviderPlugin wires ToolProvider over go-plugin's net/rpc
// protocol.
type toolProviderPlugin struct {
	Impl ToolProvider
}

func (p *toolProviderPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &toolProviderServer{impl: p.Impl}, nil
}

func (p *toolProviderPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &toolProviderClient{client: c}, nil
}

type listToolsReply struct {
	Tools []PluginToolInfo
}

type callToolArgs struct {
	Name      string
	Arguments map[string]any
}

type callToolReply struct {
	Payload map[string]any
}

type toolProviderServer struct {
	impl ToolProvider
}

func (s *toolProviderServer) ListTools(_ struct{}, reply *listToolsReply) error {
	tools, err := s.impl.ListTools()
	if err != nil {
		return err
	}
	reply.Tools = tools
	return nil
}

func (s *toolProviderServer) CallTool(args callToolArgs, reply *callToolReply) error {
	payload, err := s.impl.CallTool(args.Name, args.Arguments)
	if err != nil {
		return err
	}
	reply.Payload = payload
	return nil
}

type toolProviderClient struct {
	client *rpc.Client
}

func (c *toolProviderClient) ListTools() ([]PluginToolInfo, error) {
	var reply listToolsReply
	if err := c.client.Call("Plugin.ListTools", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.Tools, nil
}

func (c *toolProviderClient) CallTool(name string, args map[string]any) (map[string]any, error) {
	var reply callToolReply
	if err := c.client.Call("Plugin.CallTool", callToolArgs{Name: name, Arguments: args}, &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}
