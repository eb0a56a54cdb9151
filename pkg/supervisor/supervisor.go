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

// Package supervisor owns session lifecycle: spawning loop goroutines,
// pause/resume/cancel, the live-session registry, heartbeat sweeping and
// startup recovery. The reasoning loop advances sessions; the supervisor
// decides which sessions are advancing.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/strand/pkg/agent"
	"github.com/kadirpekel/strand/pkg/events"
	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/session"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultStaleAfter    = 60 * time.Second
)

// Config tunes the supervisor.
type Config struct {
	// SweepInterval is how often the stale-session sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// StaleAfter marks a running session stale when its heartbeat is
	// older than this.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
	// FailStale fails stale sessions instead of resuming them.
	FailStale bool `yaml:"fail_stale" json:"fail_stale"`
	// SessionDefaults seeds the config of spawned sessions; overrides
	// from Spawn win field by field.
	SessionDefaults session.Config `yaml:"session_defaults" json:"session_defaults"`
	// AgentDefaults replaces SessionDefaults per agent. When non-empty,
	// spawning an agent not listed here is an error.
	AgentDefaults map[string]session.Config `yaml:"agent_defaults" json:"agent_defaults"`
}

func (c *Config) SetDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
}

// Observer receives session lifecycle telemetry. A nil observer
// disables recording.
type Observer interface {
	SessionStarted(ctx context.Context, agentID string)
	SessionTerminal(ctx context.Context, agentID, state string)
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithObserver attaches lifecycle telemetry.
func WithObserver(o Observer) Option {
	return func(sv *Supervisor) { sv.observer = o }
}

// Supervisor manages live sessions: one goroutine each, registered by
// cancel func.
type Supervisor struct {
	cfg      Config
	store    session.Store
	hub      *events.Hub
	loop     *agent.Loop
	observer Observer
	logger   *slog.Logger

	mu   sync.Mutex
	live map[string]context.CancelFunc

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store session.Store, hub *events.Hub, loop *agent.Loop, cfg Config, opts ...Option) (*Supervisor, error) {
	if store == nil || hub == nil || loop == nil {
		return nil, fmt.Errorf("supervisor: store, hub and loop are required")
	}
	cfg.SetDefaults()
	sv := &Supervisor{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		loop:   loop,
		logger: logger.For("supervisor"),
		live:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv, nil
}

// Start recovers non-terminal sessions and begins the sweep ticker. It
// returns once recovery has launched; Shutdown stops everything.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.base, sv.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := sv.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	sv.wg.Add(1)
	go sv.sweepLoop()
	return nil
}

// Shutdown cancels all live sessions and stops the sweeper.
func (sv *Supervisor) Shutdown() {
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.wg.Wait()
}

// Spawn creates a pending session, persists it with the input as the
// first message, and launches its loop. It returns immediately.
func (sv *Supervisor) Spawn(ctx context.Context, agentID, input string, overrides session.Config) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	defaults := sv.cfg.SessionDefaults
	if len(sv.cfg.AgentDefaults) > 0 {
		ad, ok := sv.cfg.AgentDefaults[agentID]
		if !ok {
			return "", fmt.Errorf("unknown agent %q", agentID)
		}
		defaults = ad
	}
	cfg := mergeConfig(defaults, overrides)
	cfg.SetDefaults()

	s := &session.Session{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Config:        cfg,
		State:         session.StatePending,
		CreatedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	if err := sv.store.SaveSession(ctx, s); err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	if input != "" {
		msg := model.NewTextMessage(model.RoleUser, input)
		if err := sv.store.AppendMessage(ctx, s.ID, 0, msg); err != nil {
			return "", fmt.Errorf("persisting input: %w", err)
		}
	}

	sv.launch(s.ID)
	if sv.observer != nil {
		sv.observer.SessionStarted(ctx, agentID)
	}
	sv.logger.Info("session spawned", "session_id", s.ID, "agent_id", agentID)
	return s.ID, nil
}

// Resume restarts a paused session, or re-adopts a non-terminal session
// that lost its loop goroutine.
func (sv *Supervisor) Resume(ctx context.Context, sessionID string) error {
	s, err := sv.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return fmt.Errorf("session %s is terminal (%s)", sessionID, s.State)
	}
	if sv.isLive(sessionID) {
		return fmt.Errorf("session %s already has a live task", sessionID)
	}

	if s.State == session.StatePaused || s.State == session.StateAwaitingApproval {
		s.State = session.StateRunning
		s.StateReason = ""
		s.LastHeartbeat = time.Now().UTC()
		if err := sv.store.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("persisting resume: %w", err)
		}
	}

	sv.launch(sessionID)
	sv.logger.Info("session resumed", "session_id", sessionID)
	return nil
}

// Pause requests a cooperative pause; the loop observes it at its next
// suspension point.
func (sv *Supervisor) Pause(ctx context.Context, sessionID string) error {
	s, err := sv.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return fmt.Errorf("session %s is terminal (%s)", sessionID, s.State)
	}
	sv.loop.RequestPause(sessionID)
	return nil
}

// Cancel hard-cancels the session: the loop's context is cancelled,
// in-flight I/O aborts, and the terminal cancelled state is persisted.
func (sv *Supervisor) Cancel(ctx context.Context, sessionID, reason string) error {
	s, err := sv.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return fmt.Errorf("session %s is terminal (%s)", sessionID, s.State)
	}

	now := time.Now().UTC()
	s.State = session.StateCancelled
	s.StateReason = reason
	s.TerminalAt = &now
	if err := sv.store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("persisting cancel: %w", err)
	}

	sv.mu.Lock()
	cancel, ok := sv.live[sessionID]
	delete(sv.live, sessionID)
	sv.mu.Unlock()
	if ok {
		cancel()
	}

	sv.hub.Publish(sessionID, model.StepEnd{StopReason: model.StopCancelled, Usage: s.Usage, Error: reason})
	sv.hub.CloseSession(sessionID)
	sv.loop.Forget(sessionID)
	sv.logger.Info("session cancelled", "session_id", sessionID, "reason", reason)
	return nil
}

// Subscribe attaches a stream-event subscriber to a session. The
// returned cancel detaches it.
func (sv *Supervisor) Subscribe(sessionID string) (*events.Subscriber, func()) {
	sub := sv.hub.Subscribe(sessionID)
	return sub, sub.Close
}

// Get returns a session snapshot.
func (sv *Supervisor) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return sv.store.LoadSession(ctx, sessionID)
}

// Messages returns a session's persisted conversation.
func (sv *Supervisor) Messages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	return sv.store.LoadMessages(ctx, sessionID, 0)
}

// List returns the non-terminal sessions.
func (sv *Supervisor) List(ctx context.Context) ([]*session.Session, error) {
	return sv.store.EnumerateNonTerminal(ctx)
}

func (sv *Supervisor) isLive(sessionID string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_, ok := sv.live[sessionID]
	return ok
}

// launch registers the session and starts its loop goroutine. Panics in
// the loop are recovered into a failed session so one bad step cannot
// take the process down.
func (sv *Supervisor) launch(sessionID string) {
	base := sv.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	sv.mu.Lock()
	if _, ok := sv.live[sessionID]; ok {
		sv.mu.Unlock()
		cancel()
		return
	}
	sv.live[sessionID] = cancel
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				sv.logger.Error("loop panicked", "session_id", sessionID, "panic", fmt.Sprint(r))
				sv.failSession(sessionID, fmt.Sprintf("panic: %v", r))
			}
			sv.mu.Lock()
			delete(sv.live, sessionID)
			sv.mu.Unlock()
		}()

		if err := sv.loop.Run(ctx, sessionID); err != nil {
			// Context cancellation: Cancel already persisted the terminal
			// state; process shutdown leaves the session for recovery.
			sv.logger.Debug("loop stopped", "session_id", sessionID, "error", err)
		}
		sv.recordTerminal(sessionID)
	}()
}

// recordTerminal reports the session's terminal state to the observer
// once its loop goroutine ends. Suspended sessions are not terminal and
// record nothing.
func (sv *Supervisor) recordTerminal(sessionID string) {
	if sv.observer == nil {
		return
	}
	ctx := context.Background()
	s, err := sv.store.LoadSession(ctx, sessionID)
	if err != nil || !s.State.IsTerminal() {
		return
	}
	sv.observer.SessionTerminal(ctx, s.AgentID, string(s.State))
}

// failSession force-fails a session outside the loop, used for panic
// recovery and stale sweeps.
func (sv *Supervisor) failSession(sessionID, reason string) {
	ctx := context.Background()
	s, err := sv.store.LoadSession(ctx, sessionID)
	if err != nil {
		sv.logger.Error("loading session for failure failed", "session_id", sessionID, "error", err)
		return
	}
	if s.State.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	s.State = session.StateFailed
	s.StateReason = reason
	s.TerminalAt = &now
	if err := sv.store.SaveSession(ctx, s); err != nil {
		sv.logger.Error("persisting failure failed", "session_id", sessionID, "error", err)
		return
	}
	sv.hub.Publish(sessionID, model.StepEnd{StopReason: model.StopError, Usage: s.Usage, Error: reason})
	sv.hub.CloseSession(sessionID)
	sv.loop.Forget(sessionID)
	if sv.observer != nil {
		sv.observer.SessionTerminal(ctx, s.AgentID, string(session.StateFailed))
	}
}

// recover adopts non-terminal sessions found at startup: stale runners
// and pending work restart, paused sessions stay paused.
func (sv *Supervisor) recover(ctx context.Context) error {
	sessions, err := sv.store.EnumerateNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		switch s.State {
		case session.StatePending, session.StateRunning, session.StateAwaitingTool, session.StateAwaitingApproval:
			if s.State == session.StateAwaitingApproval {
				// The waiter channel died with the old process; the loop
				// re-requests approval on its next step.
				s.State = session.StateRunning
				if err := sv.store.SaveSession(ctx, s); err != nil {
					sv.logger.Error("persisting recovery failed", "session_id", s.ID, "error", err)
					continue
				}
			}
			sv.launch(s.ID)
			sv.logger.Info("session adopted", "session_id", s.ID, "state", s.State)
		}
	}
	return nil
}

func (sv *Supervisor) sweepLoop() {
	defer sv.wg.Done()
	ticker := time.NewTicker(sv.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.base.Done():
			return
		case <-ticker.C:
			sv.sweep()
		}
	}
}

// sweep finds running sessions whose heartbeat went stale without a
// live task and resumes or fails them per config.
func (sv *Supervisor) sweep() {
	ctx := context.Background()
	sessions, err := sv.store.EnumerateNonTerminal(ctx)
	if err != nil {
		sv.logger.Error("sweep enumeration failed", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-sv.cfg.StaleAfter)
	for _, s := range sessions {
		if s.State != session.StateRunning && s.State != session.StateAwaitingTool {
			continue
		}
		if !s.LastHeartbeat.Before(cutoff) || sv.isLive(s.ID) {
			continue
		}
		if sv.cfg.FailStale {
			sv.logger.Warn("failing stale session", "session_id", s.ID)
			sv.failSession(s.ID, "stale heartbeat")
			continue
		}
		sv.logger.Warn("resuming stale session", "session_id", s.ID)
		sv.launch(s.ID)
	}
}

// mergeConfig overlays non-zero override fields on the defaults.
func mergeConfig(defaults, overrides session.Config) session.Config {
	out := defaults
	if overrides.Provider != "" {
		out.Provider = overrides.Provider
	}
	if overrides.Model != "" {
		out.Model = overrides.Model
	}
	if overrides.ReasoningEffort != "" {
		out.ReasoningEffort = overrides.ReasoningEffort
	}
	if overrides.Temperature != nil {
		out.Temperature = overrides.Temperature
	}
	if overrides.MaxOutputTokens > 0 {
		out.MaxOutputTokens = overrides.MaxOutputTokens
	}
	if overrides.MaxSteps > 0 {
		out.MaxSteps = overrides.MaxSteps
	}
	if overrides.ContextTokens > 0 {
		out.ContextTokens = overrides.ContextTokens
	}
	if overrides.ToolAllowList != nil {
		out.ToolAllowList = overrides.ToolAllowList
	}
	if overrides.BudgetCap > 0 {
		out.BudgetCap = overrides.BudgetCap
	}
	if overrides.SystemPrompt != "" {
		out.SystemPrompt = overrides.SystemPrompt
	}
	return out
}
