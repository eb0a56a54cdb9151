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

// Command strand runs the agent runtime: a supervised reasoning loop
// over governed tools, served over REST plus SSE or driven from the
// terminal.
//
// Usage:
//
//	strand serve --config strand.yaml
//	strand serve                        (zero-config from environment)
//	strand run "summarize ./docs" --agent assistant
//	strand validate --config strand.yaml
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/strand/pkg/config"
	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime server."`
	Run      RunCmd      `cmd:"" help:"Run one session interactively in the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.Get().String())
	return nil
}

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, loader, err := config.LoadFile(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	fmt.Printf("%s is valid: %d agent(s)", cli.Config, len(cfg.Agents))
	for _, name := range agentNames(cfg) {
		fmt.Printf("\n  - %s (%s)", name, cfg.Agents[name].Provider)
	}
	fmt.Println()
	return nil
}

// loadConfig resolves the effective configuration: the file when given,
// the environment-derived zero-config otherwise. The loader is nil in
// zero-config mode.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	_ = config.LoadEnvFiles()

	var (
		cfg    *config.Config
		loader *config.Loader
		err    error
	)
	if cli.Config != "" {
		cfg, loader, err = config.LoadFile(ctx, cli.Config)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	return cfg, loader, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("strand"),
		kong.Description("strand - governed agent runtime"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// setupLogging applies the config's logging section, returning the
// flush func.
func setupLogging(cfg *config.Config) (func(), error) {
	cleanup, err := logger.Setup(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cleanup, nil
}
