package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/strand/pkg/approval"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/session"
	"github.com/kadirpekel/strand/pkg/supervisor"
)

// approvalPollInterval bounds how quickly an interactive run notices a
// suspended tool call.
const approvalPollInterval = 250 * time.Millisecond

// Chat drives one in-process session from the terminal: it spawns the
// session, renders its event stream, and answers approval requests at
// the prompt.
type Chat struct {
	Supervisor *supervisor.Supervisor
	Approvals  *approval.Manager
	Renderer   *Renderer
	Prompter   *Prompter

	announced map[string]bool
}

// Run blocks until the session reaches a terminal state or ctx dies.
// It returns the session ID and its final stop reason.
func (c *Chat) Run(ctx context.Context, agentID, input string, overrides session.Config) (string, model.StopReason, error) {
	id, err := c.Supervisor.Spawn(ctx, agentID, input, overrides)
	if err != nil {
		return "", "", err
	}

	sub, cancel := c.Supervisor.Subscribe(id)
	defer cancel()

	poll := time.NewTicker(approvalPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return id, model.StopCancelled, ctx.Err()

		case <-poll.C:
			c.answerPending(id)
			// Guards against subscribing after the stream already
			// closed: a dead session's channel never closes for late
			// subscribers.
			if s, err := c.Supervisor.Get(ctx, id); err == nil && s.State.IsTerminal() {
				c.drain(sub.Events())
				return id, c.finalStop(ctx, id), nil
			}

		case ev, ok := <-sub.Events():
			if !ok {
				return id, c.finalStop(ctx, id), nil
			}
			c.Renderer.Render(ev)
			if end, isEnd := ev.(model.StepEnd); isEnd {
				switch end.StopReason {
				case model.StopEndTurn, model.StopCancelled, model.StopError, model.StopPaused:
					return id, end.StopReason, nil
				}
			}
		}
	}
}

// answerPending prompts for every approval the session is suspended on.
// Rendering pauses while the user answers; the session is blocked on
// the decision anyway.
func (c *Chat) answerPending(sessionID string) {
	if c.Approvals == nil || c.Prompter == nil {
		return
	}
	for _, req := range c.Approvals.Pending(sessionID) {
		if !c.Prompter.Interactive() {
			if c.announced == nil {
				c.announced = make(map[string]bool)
			}
			if c.announced[req.ID] {
				continue
			}
			c.announced[req.ID] = true
			fmt.Printf("\nApproval pending: %s (request %s)\n", req.ToolCall.Name, req.ID)
			fmt.Printf("Decide via the API: POST /v1/approvals/%s/decision\n", req.ID)
			continue
		}
		approved, comment, err := c.Prompter.Decide(req)
		if err != nil {
			continue
		}
		// A lost race with the deadline or another approver is fine.
		_ = c.Approvals.Respond(req.ID, c.Prompter.Approver(), approved, comment)
	}
}

// drain renders whatever is already buffered so the transcript stays
// complete when the run ends through the terminal-state check.
func (c *Chat) drain(ch <-chan model.StreamEvent) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Renderer.Render(ev)
		default:
			return
		}
	}
}

// finalStop maps the session's stored terminal state to a stop reason
// when the stream closed before delivering the final frame.
func (c *Chat) finalStop(ctx context.Context, id string) model.StopReason {
	s, err := c.Supervisor.Get(ctx, id)
	if err != nil {
		return model.StopError
	}
	switch s.State {
	case session.StateCompleted:
		return model.StopEndTurn
	case session.StateCancelled:
		return model.StopCancelled
	case session.StatePaused:
		return model.StopPaused
	default:
		return model.StopError
	}
}
