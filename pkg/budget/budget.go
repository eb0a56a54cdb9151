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

// Package budget tracks per-agent cumulative spend against a hard cap.
// Preflight is pessimistic: a step is admitted only if its worst-case
// cost still fits under the cap.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/model"
)

// Soft notification thresholds as fractions of the cap. 1.0 is the
// hard stop.
var thresholds = []float64{0.5, 0.8, 1.0}

// State is one agent's cumulative usage. Totals only grow.
type State struct {
	AgentID   string      `json:"agent_id"`
	Cap       float64     `json:"cap"`
	CostTotal float64     `json:"cost_total"`
	Usage     model.Usage `json:"usage"`
	// NotifiedAt records which soft thresholds already fired, so each
	// crossing alerts exactly once.
	NotifiedAt []float64 `json:"notified_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining is the spend still available under the cap.
func (s *State) Remaining() float64 {
	if r := s.Cap - s.CostTotal; r > 0 {
		return r
	}
	return 0
}

// Pricing converts token usage to cost. Unit costs are per token.
type Pricing struct {
	InputCost  float64
	OutputCost float64
}

// StepCost prices one completed step.
func (p Pricing) StepCost(u model.Usage) float64 {
	return float64(u.InputTokens)*p.InputCost + float64(u.OutputTokens)*p.OutputCost
}

// WorstCase prices a step that has not run yet, assuming the full
// output allowance is consumed.
func (p Pricing) WorstCase(estimatedInputTokens, maxOutputTokens int) float64 {
	return float64(estimatedInputTokens)*p.InputCost + float64(maxOutputTokens)*p.OutputCost
}

// Store is the budget persistence port. Get returns a zero-valued state
// for unknown agents.
type Store interface {
	Get(ctx context.Context, agentID string) (*State, error)
	Update(ctx context.Context, s *State) error
}

// Notifier receives threshold-crossing alerts. The manager logs either
// way; a notifier adds an external sink.
type Notifier interface {
	BudgetThreshold(agentID string, fraction float64, state *State)
}

// Manager serializes all budget mutation per agent.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, notifier Notifier) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger.For("budget"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) agentLock(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

// Preflight reports whether a step with the given worst-case cost fits
// under the agent's cap. A zero or negative cap means unlimited.
func (m *Manager) Preflight(ctx context.Context, agentID string, cap float64, worstCaseCost float64) (bool, error) {
	if cap <= 0 {
		return true, nil
	}
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	state, err := m.store.Get(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("loading budget state: %w", err)
	}
	return state.CostTotal+worstCaseCost <= cap, nil
}

// Charge records a completed step's actual cost and fires any newly
// crossed soft thresholds.
func (m *Manager) Charge(ctx context.Context, agentID string, cap float64, usage model.Usage, cost float64) (*State, error) {
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	state, err := m.store.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading budget state: %w", err)
	}
	state.AgentID = agentID
	state.Cap = cap
	state.CostTotal += cost
	state.Usage.Add(usage)
	state.UpdatedAt = time.Now().UTC()

	if cap > 0 {
		for _, fraction := range thresholds {
			if state.CostTotal < cap*fraction || notified(state, fraction) {
				continue
			}
			state.NotifiedAt = append(state.NotifiedAt, fraction)
			m.logger.Warn("budget threshold crossed",
				"agent_id", agentID, "fraction", fraction,
				"cost_total", state.CostTotal, "cap", cap)
			if m.notifier != nil {
				m.notifier.BudgetThreshold(agentID, fraction, state)
			}
		}
	}

	if err := m.store.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("persisting budget state: %w", err)
	}
	return state, nil
}

// Get returns a snapshot of the agent's budget state.
func (m *Manager) Get(ctx context.Context, agentID string) (*State, error) {
	return m.store.Get(ctx, agentID)
}

func notified(s *State, fraction float64) bool {
	for _, f := range s.NotifiedAt {
		if f == fraction {
			return true
		}
	}
	return false
}
