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

// Package ratelimit throttles tool invocations with token buckets, one
// per (agent, tool) pair and one per agent overall.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Profile describes one bucket: sustained rate plus burst headroom.
type Profile struct {
	PerMinute float64 `yaml:"per_minute" json:"per_minute"`
	Burst     int     `yaml:"burst" json:"burst"`
}

func (p Profile) limiter() *rate.Limiter {
	limit := rate.Limit(p.PerMinute / 60)
	burst := p.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Config carries the limiter profiles. ToolOverrides replace the
// per-tool default for named tools; a zero PerMinute disables that
// bucket entirely.
type Config struct {
	PerTool       Profile            `yaml:"per_tool" json:"per_tool"`
	PerAgent      Profile            `yaml:"per_agent" json:"per_agent"`
	ToolOverrides map[string]Profile `yaml:"tool_overrides" json:"tool_overrides"`
}

// Decision reports one limiter verdict. RetryAfter is the wait until a
// token becomes available, zero when allowed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Scope names the exhausted bucket: "tool" or "agent".
	Scope string
}

// Limiter owns the buckets. Buckets materialize lazily on first use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	byTool  map[string]*rate.Limiter // key: agentID + "\x00" + tool
	byAgent map[string]*rate.Limiter
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		byTool:  make(map[string]*rate.Limiter),
		byAgent: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) toolLimiter(agentID, tool string) *rate.Limiter {
	profile := l.cfg.PerTool
	if override, ok := l.cfg.ToolOverrides[tool]; ok {
		profile = override
	}
	if profile.PerMinute <= 0 {
		return nil
	}
	key := agentID + "\x00" + tool
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byTool[key]
	if !ok {
		lim = profile.limiter()
		l.byTool[key] = lim
	}
	return lim
}

func (l *Limiter) agentLimiter(agentID string) *rate.Limiter {
	if l.cfg.PerAgent.PerMinute <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byAgent[agentID]
	if !ok {
		lim = l.cfg.PerAgent.limiter()
		l.byAgent[agentID] = lim
	}
	return lim
}

// Check peeks at both buckets without consuming.
func (l *Limiter) Check(agentID, tool string) Decision {
	return l.evaluate(agentID, tool, false)
}

// Consume deducts one token from both buckets. If either bucket is
// empty nothing is deducted and the decision names the exhausted scope.
func (l *Limiter) Consume(agentID, tool string) Decision {
	return l.evaluate(agentID, tool, true)
}

func (l *Limiter) evaluate(agentID, tool string, consume bool) Decision {
	now := time.Now()

	toolLim := l.toolLimiter(agentID, tool)
	agentLim := l.agentLimiter(agentID)

	if toolLim != nil && toolLim.TokensAt(now) < 1 {
		return Decision{Scope: "tool", RetryAfter: waitFor(toolLim, now)}
	}
	if agentLim != nil && agentLim.TokensAt(now) < 1 {
		return Decision{Scope: "agent", RetryAfter: waitFor(agentLim, now)}
	}

	if consume {
		if toolLim != nil {
			toolLim.AllowN(now, 1)
		}
		if agentLim != nil {
			agentLim.AllowN(now, 1)
		}
	}
	return Decision{Allowed: true}
}

// waitFor estimates the delay until one token refills.
func waitFor(lim *rate.Limiter, now time.Time) time.Duration {
	tokens := lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	if lim.Limit() <= 0 {
		return time.Hour
	}
	deficit := 1 - tokens
	return time.Duration(deficit / float64(lim.Limit()) * float64(time.Second))
}
