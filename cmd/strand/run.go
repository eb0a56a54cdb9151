package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/strand/pkg/cli"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/session"
)

// RunCmd drives one session in the terminal, answering approvals at
// the prompt.
type RunCmd struct {
	Prompt string `arg:"" help:"The task to run."`
	Agent  string `help:"Agent to run as." default:"assistant"`

	ShowReasoning bool   `help:"Echo the model's internal reasoning."`
	HideTools     bool   `help:"Hide tool invocations and results."`
	Approver      string `help:"Identity recorded on approval decisions (defaults to $USER)."`
}

func (c *RunCmd) Run(cliRoot *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cliRoot)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	approver := c.Approver
	if approver == "" {
		approver = os.Getenv("USER")
	}
	if approver == "" {
		approver = "operator"
	}

	renderer := cli.NewRenderer(os.Stdout)
	renderer.ShowReasoning = c.ShowReasoning
	renderer.ShowTools = !c.HideTools

	chat := &cli.Chat{
		Supervisor: rt.supervisor,
		Approvals:  rt.approvals,
		Renderer:   renderer,
		Prompter:   cli.NewPrompter(approver),
	}

	id, stop, err := chat.Run(ctx, c.Agent, c.Prompt, session.Config{})
	if err != nil {
		return err
	}
	if stop == model.StopError {
		return fmt.Errorf("session %s failed", id)
	}
	return nil
}
