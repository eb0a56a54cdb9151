// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent implements the reasoning loop: one session's step-by-step
// advance through context assembly, LLM streaming, governance bookkeeping
// and tool dispatch. The supervisor owns goroutines and lifecycle; the
// loop owns the step algorithm.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/strand/pkg/approval"
	"github.com/kadirpekel/strand/pkg/budget"
	"github.com/kadirpekel/strand/pkg/credentials"
	"github.com/kadirpekel/strand/pkg/events"
	"github.com/kadirpekel/strand/pkg/guardrail"
	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/llms"
	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/session"
	"github.com/kadirpekel/strand/pkg/tools"
)

// LLMFactory builds the dialect client for a session's configuration.
// onRetry surfaces transport retries so the loop can emit Retry events.
type LLMFactory func(cfg session.Config, onRetry httpclient.OnRetry) (model.LLM, error)

// Policies resolves the per-agent tool policy. A nil resolver or nil
// fields disable the corresponding gates.
type Policies struct {
	Permissions *tools.Permission
	Sandbox     *tools.Sandbox
}

// PolicyFunc looks up an agent's policies.
type PolicyFunc func(agentID string) Policies

// Observer receives step and tool telemetry. A nil observer disables
// recording.
type Observer interface {
	StepCompleted(ctx context.Context, agentID string, seconds, cost float64, inputTokens, outputTokens int)
	ToolExecuted(ctx context.Context, tool string, seconds float64, isError bool)
}

// Deps wires the loop's collaborators. Store, Hub, NewLLM and Executor
// are required; nil governance collaborators disable their checks.
type Deps struct {
	Store       session.Store
	Hub         *events.Hub
	NewLLM      LLMFactory
	Executor    *tools.Executor
	Budget      *budget.Manager
	Pricing     budget.Pricing
	Guardrails  *guardrail.Engine
	Approvals   *approval.Manager
	Policies    PolicyFunc
	Credentials *credentials.Resolver
	Observer    Observer
}

// Loop advances sessions step by step. One Loop serves all sessions;
// per-session state lives in controls.
type Loop struct {
	store       session.Store
	hub         *events.Hub
	newLLM      LLMFactory
	executor    *tools.Executor
	budget      *budget.Manager
	pricing     budget.Pricing
	guardrails  *guardrail.Engine
	approvals   *approval.Manager
	policies    PolicyFunc
	credentials *credentials.Resolver
	observer    Observer
	logger      *slog.Logger

	mu       sync.Mutex
	controls map[string]*control
}

// control is the per-session concurrency state: the step mutex, the
// cooperative pause flag, and the one-at-a-time approval lock.
type control struct {
	mu         sync.Mutex
	pause      atomic.Bool
	approvalMu sync.Mutex
}

func New(deps Deps) (*Loop, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("agent loop: store is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("agent loop: event hub is required")
	}
	if deps.NewLLM == nil {
		return nil, fmt.Errorf("agent loop: llm factory is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("agent loop: executor is required")
	}
	return &Loop{
		store:       deps.Store,
		hub:         deps.Hub,
		newLLM:      deps.NewLLM,
		executor:    deps.Executor,
		budget:      deps.Budget,
		pricing:     deps.Pricing,
		guardrails:  deps.Guardrails,
		approvals:   deps.Approvals,
		policies:    deps.Policies,
		credentials: deps.Credentials,
		observer:    deps.Observer,
		logger:      logger.For("agent"),
		controls:    make(map[string]*control),
	}, nil
}

func (l *Loop) control(sessionID string) *control {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.controls[sessionID]
	if !ok {
		c = &control{}
		l.controls[sessionID] = c
	}
	return c
}

// RequestPause asks the session to pause at its next suspension point.
func (l *Loop) RequestPause(sessionID string) {
	l.control(sessionID).pause.Store(true)
}

// Forget drops per-session loop state after a terminal transition.
func (l *Loop) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.controls, sessionID)
	l.mu.Unlock()
	if l.guardrails != nil {
		l.guardrails.Forget(sessionID)
	}
}

// Run advances the session until it reaches a terminal or suspended
// state. The returned error is non-nil only for context cancellation;
// every other failure is absorbed into the session state.
func (l *Loop) Run(ctx context.Context, sessionID string) error {
	ctl := l.control(sessionID)
	for {
		again, err := l.step(ctx, sessionID, ctl)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// step runs the per-step algorithm under the session mutex. It reports
// whether the loop should take another step.
func (l *Loop) step(ctx context.Context, sessionID string, ctl *control) (bool, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	s, err := l.store.LoadSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	switch s.State {
	case session.StatePending, session.StateRunning, session.StateAwaitingTool:
	default:
		return false, nil
	}

	// Governance preflight.
	if ctl.pause.CompareAndSwap(true, false) {
		l.suspend(ctx, s, "requested")
		return false, nil
	}
	if s.Config.MaxSteps > 0 && s.Step >= s.Config.MaxSteps {
		l.fail(ctx, s, "max_steps")
		return false, nil
	}

	messages, err := l.store.LoadMessages(ctx, sessionID, 0)
	if err != nil {
		l.fail(ctx, s, "persistence")
		return false, nil
	}

	est := llms.NewEstimator(s.Config.Model)
	req := assembleRequest(s.Config, messages, est)

	if l.budget != nil && s.Config.BudgetCap > 0 {
		worst := l.pricing.WorstCase(est.CountRequest(req), s.Config.MaxOutputTokens)
		ok, err := l.budget.Preflight(ctx, s.AgentID, s.Config.BudgetCap, worst)
		if err != nil {
			l.fail(ctx, s, "persistence")
			return false, nil
		}
		if !ok {
			l.suspend(ctx, s, "budget_exhausted")
			return false, nil
		}
	}

	catalog, err := l.executor.Registry().Catalog(ctx, s.AgentID, s.Config.ToolAllowList)
	if err != nil {
		l.fail(ctx, s, fmt.Sprintf("tool catalog: %v", err))
		return false, nil
	}
	req.Tools = tools.Definitions(catalog)

	s.State = session.StateRunning
	s.LastHeartbeat = time.Now().UTC()
	if err := l.save(ctx, s); err != nil {
		return false, nil
	}

	stepStart := time.Now()
	completion, err := l.generate(ctx, s, req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Retry exhaustion or a non-retryable provider error: no partial
		// assistant message is persisted.
		l.fail(ctx, s, fmt.Sprintf("provider: %v", err))
		return false, nil
	}

	// Bookkeeping: charge, persist the assistant delta, advance.
	cost := l.pricing.StepCost(completion.Usage)
	if l.budget != nil && cost > 0 {
		if _, err := l.budget.Charge(ctx, s.AgentID, s.Config.BudgetCap, completion.Usage, cost); err != nil {
			l.logger.Error("budget charge failed", "session_id", s.ID, "error", err)
		}
	}
	s.Usage.Add(completion.Usage)
	s.CostTotal += cost

	assistant := completion.AssistantMessage()
	if len(assistant.Blocks) > 0 {
		if err := l.append(ctx, s.ID, s.Step, assistant); err != nil {
			l.fail(ctx, s, "persistence")
			return false, nil
		}
	}
	s.Step++
	s.LastHeartbeat = time.Now().UTC()
	if err := l.save(ctx, s); err != nil {
		return false, nil
	}

	l.hub.Publish(s.ID, model.StepEnd{StopReason: completion.StopReason, Usage: completion.Usage})

	if l.observer != nil {
		l.observer.StepCompleted(ctx, s.AgentID, time.Since(stepStart).Seconds(), cost,
			completion.Usage.InputTokens, completion.Usage.OutputTokens)
	}

	if stop := l.checkGuardrails(ctx, s, completion, cost); stop {
		return false, nil
	}

	switch completion.StopReason {
	case model.StopEndTurn:
		l.complete(ctx, s)
		return false, nil
	case model.StopMaxTokens:
		// The partial message is already persisted.
		l.fail(ctx, s, "max_tokens")
		return false, nil
	case model.StopToolUse:
		s.State = session.StateAwaitingTool
		if err := l.save(ctx, s); err != nil {
			return false, nil
		}
		if err := l.dispatch(ctx, s, ctl, completion.ToolCalls); err != nil {
			return false, err
		}
		return true, nil
	default:
		l.fail(ctx, s, fmt.Sprintf("unexpected stop reason %q", completion.StopReason))
		return false, nil
	}
}

// generate runs one LLM call, forwarding stream chunks to the hub.
func (l *Loop) generate(ctx context.Context, s *session.Session, req *model.Request) (*model.Completion, error) {
	llm, err := l.newLLM(s.Config, func(attempt int, delay time.Duration, reason string) {
		l.hub.Publish(s.ID, model.RetryEvent{
			Attempt: attempt,
			DelayMS: delay.Milliseconds(),
			Reason:  reason,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("building llm client: %w", err)
	}
	defer func() { _ = llm.Close() }()

	var completion *model.Completion
	for chunk, err := range llm.Stream(ctx, req) {
		if err != nil {
			return nil, err
		}
		switch chunk.Type {
		case model.ChunkText:
			l.hub.Publish(s.ID, model.TextDelta{Text: chunk.Text})
		case model.ChunkReasoning:
			l.hub.Publish(s.ID, model.ReasoningDelta{Text: chunk.Text})
		case model.ChunkToolCall:
			l.hub.Publish(s.ID, model.ToolCallStart{
				ToolName: chunk.ToolCall.Name,
				CallID:   chunk.ToolCall.ID,
			})
		case model.ChunkFinal:
			completion = chunk.Final
		}
	}
	if completion == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("stream ended without a final chunk")
	}
	return completion, nil
}

// dispatch runs the step's tool calls concurrently. Mutating handlers
// serialize inside the executor; approval-gated calls suspend the
// session one at a time. Each result is appended and published as soon
// as it completes.
func (l *Loop) dispatch(ctx context.Context, s *session.Session, ctl *control, calls []model.ToolCall) error {
	policies := Policies{}
	if l.policies != nil {
		policies = l.policies(s.AgentID)
	}

	var appendMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, call := range calls {
		g.Go(func() error {
			ec := &tools.ExecContext{
				SessionID:   s.ID,
				AgentID:     s.AgentID,
				OrgID:       s.OrgID,
				Credentials: l.credentials,
				Sandbox:     policies.Sandbox,
				Permissions: policies.Permissions,
				Approve:     l.approveFunc(s, ctl),
			}
			toolStart := time.Now()
			outcome, err := l.executor.Execute(gctx, ec, call)
			if err != nil {
				return err
			}
			if l.observer != nil {
				l.observer.ToolExecuted(gctx, call.Name, time.Since(toolStart).Seconds(), outcome.IsError)
			}

			result := outcome.Result(call.ID)
			msg := &model.Message{Role: model.RoleUser, Blocks: []model.Block{result}}
			appendMu.Lock()
			appendErr := l.append(ctx, s.ID, s.Step, msg)
			appendMu.Unlock()
			if appendErr != nil {
				return fmt.Errorf("persisting tool result: %w", appendErr)
			}

			l.hub.Publish(s.ID, model.ToolResultEvent{
				CallID:  call.ID,
				OK:      !outcome.IsError,
				Payload: result.Payload,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.fail(ctx, s, "persistence")
		return nil
	}
	return nil
}

// approveFunc builds the executor callback that parks the session in
// awaiting_approval until a human resolves the request.
func (l *Loop) approveFunc(s *session.Session, ctl *control) tools.ApproveFunc {
	return func(ctx context.Context, call model.ToolCall, spec approval.Spec) (approval.Resolution, error) {
		if l.approvals == nil {
			return approval.Resolution{Reason: "no approval manager configured"}, nil
		}

		// One approval at a time per session.
		ctl.approvalMu.Lock()
		defer ctl.approvalMu.Unlock()

		l.setState(ctx, s.ID, session.StateAwaitingApproval, "")
		defer func() {
			// A cancel during the wait has already persisted the
			// terminal state; restoring would resurrect the session.
			if ctx.Err() != nil {
				return
			}
			l.setState(ctx, s.ID, session.StateAwaitingTool, "")
		}()

		req, waiter, err := l.approvals.Create(s.ID, s.AgentID, call, spec)
		if err != nil {
			return approval.Resolution{Reason: fmt.Sprintf("creating approval request: %v", err)}, nil
		}
		l.logger.Info("awaiting approval",
			"session_id", s.ID, "tool", call.Name, "request_id", req.ID)

		return approval.Wait(ctx, waiter)
	}
}

// checkGuardrails evaluates step-boundary rules. It reports whether the
// session was stopped or paused by a violation.
func (l *Loop) checkGuardrails(ctx context.Context, s *session.Session, completion *model.Completion, cost float64) bool {
	if l.guardrails == nil {
		return false
	}
	violations := l.guardrails.Evaluate(guardrail.StepInfo{
		SessionID: s.ID,
		AgentID:   s.AgentID,
		Output:    completion.Text,
		StepCost:  cost,
	})
	for _, v := range violations {
		switch v.Action {
		case guardrail.ActionStopAgent:
			l.fail(ctx, s, v.Reason())
			return true
		case guardrail.ActionPauseSession:
			l.suspend(ctx, s, v.Reason())
			return true
		default:
			l.logger.Warn("guardrail violation", "session_id", s.ID, "rule", v.Rule, "action", v.Action)
		}
	}
	return false
}

// suspend pauses the session with a reason and emits the closing frame.
func (l *Loop) suspend(ctx context.Context, s *session.Session, reason string) {
	s.State = session.StatePaused
	s.StateReason = reason
	s.LastHeartbeat = time.Now().UTC()
	if err := l.store.SaveSession(ctx, s); err != nil {
		l.logger.Error("persisting pause failed", "session_id", s.ID, "error", err)
	}
	l.hub.Publish(s.ID, model.StepEnd{StopReason: model.StopPaused, Usage: s.Usage, Error: reason})
	l.logger.Info("session paused", "session_id", s.ID, "reason", reason)
}

// fail drives the session to the terminal failed state.
func (l *Loop) fail(ctx context.Context, s *session.Session, reason string) {
	now := time.Now().UTC()
	s.State = session.StateFailed
	s.StateReason = reason
	s.LastHeartbeat = now
	s.TerminalAt = &now
	if err := l.store.SaveSession(ctx, s); err != nil {
		l.logger.Error("persisting failure failed", "session_id", s.ID, "error", err)
	}
	l.hub.Publish(s.ID, model.StepEnd{StopReason: model.StopError, Usage: s.Usage, Error: reason})
	l.hub.CloseSession(s.ID)
	l.Forget(s.ID)
	l.logger.Warn("session failed", "session_id", s.ID, "reason", reason)
}

// complete drives the session to the terminal completed state. The
// step's end_turn StepEnd has already been published.
func (l *Loop) complete(ctx context.Context, s *session.Session) {
	now := time.Now().UTC()
	s.State = session.StateCompleted
	s.StateReason = ""
	s.TerminalAt = &now
	if err := l.store.SaveSession(ctx, s); err != nil {
		l.logger.Error("persisting completion failed", "session_id", s.ID, "error", err)
	}
	l.hub.CloseSession(s.ID)
	l.Forget(s.ID)
	l.logger.Info("session completed", "session_id", s.ID, "steps", s.Step)
}

// setState moves a non-terminal session to a new state. Terminal
// states are owned by whoever set them and are never overwritten here.
func (l *Loop) setState(ctx context.Context, sessionID string, state session.State, reason string) {
	s, err := l.store.LoadSession(ctx, sessionID)
	if err != nil {
		l.logger.Error("loading session for state change failed", "session_id", sessionID, "error", err)
		return
	}
	if s.State.IsTerminal() {
		return
	}
	s.State = state
	s.StateReason = reason
	if err := l.store.SaveSession(ctx, s); err != nil {
		l.logger.Error("persisting state change failed", "session_id", sessionID, "error", err)
	}
}

// append persists one message delta with a bounded retry on transient
// store failure.
func (l *Loop) append(ctx context.Context, sessionID string, step int, msg *model.Message) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = l.store.AppendMessage(ctx, sessionID, step, msg); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// save persists the session, failing it on persistent store errors.
func (l *Loop) save(ctx context.Context, s *session.Session) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = l.store.SaveSession(ctx, s); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	l.logger.Error("persisting session failed", "session_id", s.ID, "error", err)
	l.hub.Publish(s.ID, model.StepEnd{StopReason: model.StopError, Usage: s.Usage, Error: "persistence"})
	l.hub.CloseSession(s.ID)
	return err
}
