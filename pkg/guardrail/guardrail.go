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

// Package guardrail evaluates declarative behavioral rules at step
// boundaries: output patterns, cost spikes, call-frequency anomalies,
// and off-duty hours.
package guardrail

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/kadirpekel/strand/pkg/logger"
)

// Action is what a tripped rule does to the session.
type Action string

const (
	ActionLog          Action = "log"
	ActionAlert        Action = "alert"
	ActionPauseSession Action = "pause_session"
	ActionStopAgent    Action = "stop_agent"
)

// RuleType selects the evaluation strategy.
type RuleType string

const (
	RuleOutputPattern RuleType = "output_pattern"
	RuleCostSpike     RuleType = "cost_spike"
	RuleFrequency     RuleType = "frequency"
	RuleOffDuty       RuleType = "off_duty"
)

// Rule is one declarative guardrail, typically loaded from config.
type Rule struct {
	Name   string   `yaml:"name" json:"name"`
	Type   RuleType `yaml:"type" json:"type"`
	Action Action   `yaml:"action" json:"action"`

	// output_pattern
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// cost_spike: trip when step cost > Multiplier × rolling mean of
	// the last WindowSteps steps.
	Multiplier  float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	WindowSteps int     `yaml:"window_steps,omitempty" json:"window_steps,omitempty"`

	// frequency: trip when more than MaxSteps steps land in Window.
	MaxSteps int           `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
	Window   time.Duration `yaml:"window,omitempty" json:"window,omitempty"`

	// off_duty: trip outside [StartHour, EndHour) UTC. StartHour >
	// EndHour wraps midnight.
	StartHour int `yaml:"start_hour,omitempty" json:"start_hour,omitempty"`
	EndHour   int `yaml:"end_hour,omitempty" json:"end_hour,omitempty"`
}

// StepInfo is the observation handed to Evaluate after each step.
type StepInfo struct {
	SessionID string
	AgentID   string
	Output    string
	StepCost  float64
	At        time.Time
}

// Violation names the rule that tripped and the action to take. The
// loop applies the most severe violation.
type Violation struct {
	Rule   string
	Action Action
}

func (v Violation) Reason() string {
	return fmt.Sprintf("guardrail:%s", v.Rule)
}

// Alerter receives alert-action violations.
type Alerter interface {
	GuardrailAlert(sessionID string, v Violation)
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

// sessionWindow is the per-session history the stateful rules consume.
type sessionWindow struct {
	costs []float64
	steps []time.Time
}

// Engine evaluates the rule set. Per-session rolling state is kept in
// process and dropped via Forget when a session terminates.
type Engine struct {
	rules   []compiledRule
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*sessionWindow
}

func NewEngine(rules []Rule, alerter Alerter) (*Engine, error) {
	e := &Engine{
		alerter: alerter,
		logger:  logger.For("guardrail"),
		now:     time.Now,
		windows: make(map[string]*sessionWindow),
	}
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		if r.Type == RuleOutputPattern {
			if r.Pattern == "" {
				return nil, fmt.Errorf("guardrail %q: output_pattern requires a pattern", r.Name)
			}
			p, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("guardrail %q: compiling pattern: %w", r.Name, err)
			}
			cr.pattern = p
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// severity orders actions so the loop can apply the strongest verdict.
func severity(a Action) int {
	switch a {
	case ActionStopAgent:
		return 3
	case ActionPauseSession:
		return 2
	case ActionAlert:
		return 1
	default:
		return 0
	}
}

// Evaluate records the step in the session's rolling window and returns
// the tripped violations, most severe first.
func (e *Engine) Evaluate(info StepInfo) []Violation {
	if info.At.IsZero() {
		info.At = e.now()
	}

	e.mu.Lock()
	w, ok := e.windows[info.SessionID]
	if !ok {
		w = &sessionWindow{}
		e.windows[info.SessionID] = w
	}

	var out []Violation
	for _, r := range e.rules {
		tripped := false
		switch r.Type {
		case RuleOutputPattern:
			tripped = r.pattern.MatchString(info.Output)
		case RuleCostSpike:
			tripped = costSpike(r.Rule, w.costs, info.StepCost)
		case RuleFrequency:
			tripped = frequency(r.Rule, w.steps, info.At)
		case RuleOffDuty:
			tripped = offDuty(r.Rule, info.At)
		}
		if tripped {
			out = append(out, Violation{Rule: r.Name, Action: r.Action})
		}
	}

	w.costs = append(w.costs, info.StepCost)
	w.steps = append(w.steps, info.At)
	e.mu.Unlock()

	// Stable severity sort over a handful of entries.
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && severity(out[k].Action) > severity(out[k-1].Action); k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}

	for _, v := range out {
		e.logger.Warn("guardrail tripped",
			"rule", v.Rule, "action", string(v.Action), "session_id", info.SessionID)
		if v.Action == ActionAlert && e.alerter != nil {
			e.alerter.GuardrailAlert(info.SessionID, v)
		}
	}
	return out
}

// Forget drops a terminated session's rolling window.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.windows, sessionID)
	e.mu.Unlock()
}

func costSpike(r Rule, history []float64, stepCost float64) bool {
	window := r.WindowSteps
	if window <= 0 {
		window = 10
	}
	if len(history) == 0 {
		return false
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	var sum float64
	for _, c := range history {
		sum += c
	}
	mean := sum / float64(len(history))
	if mean <= 0 {
		return false
	}
	multiplier := r.Multiplier
	if multiplier <= 0 {
		multiplier = 3
	}
	return stepCost > multiplier*mean
}

func frequency(r Rule, steps []time.Time, at time.Time) bool {
	if r.MaxSteps <= 0 || r.Window <= 0 {
		return false
	}
	cutoff := at.Add(-r.Window)
	recent := 0
	for _, s := range steps {
		if s.After(cutoff) {
			recent++
		}
	}
	// Counting this step too.
	return recent+1 > r.MaxSteps
}

func offDuty(r Rule, at time.Time) bool {
	hour := at.UTC().Hour()
	if r.StartHour == r.EndHour {
		return false
	}
	if r.StartHour < r.EndHour {
		onDuty := hour >= r.StartHour && hour < r.EndHour
		return !onDuty
	}
	// Wraps midnight, e.g. 22–6.
	onDuty := hour >= r.StartHour || hour < r.EndHour
	return !onDuty
}
