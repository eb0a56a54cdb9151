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

// Package breaker fails tool calls fast once a tool keeps failing for
// an agent. Classic three-state circuit: closed, open, half-open with a
// single probe.
package breaker

import (
	"sync"
	"time"
)

type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Config tunes all circuits owned by one Registry.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

type circuit struct {
	state        CircuitState
	consecutive  int
	openedAt     time.Time
	probeInFlight bool
}

// Registry holds one circuit per (agent, tool) pair, created closed on
// first use.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewRegistry(cfg Config) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

func (r *Registry) get(agentID, tool string) *circuit {
	key := agentID + "\x00" + tool
	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

// Allow reports whether a call may proceed. In the open state it flips
// to half-open after the cooldown and admits exactly one probe; further
// calls are refused until the probe reports.
func (r *Registry) Allow(agentID, tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(agentID, tool)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(c.openedAt) < r.cfg.Cooldown {
			return false
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		return true
	case StateHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit and clears the failure streak.
func (r *Registry) RecordSuccess(agentID, tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(agentID, tool)
	c.state = StateClosed
	c.consecutive = 0
	c.probeInFlight = false
}

// RecordFailure counts a failure. A half-open probe failure reopens
// immediately; in the closed state the circuit opens once the
// consecutive-failure threshold is reached.
func (r *Registry) RecordFailure(agentID, tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(agentID, tool)
	c.probeInFlight = false
	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = r.now()
		return
	}
	c.consecutive++
	if c.consecutive >= r.cfg.FailureThreshold {
		c.state = StateOpen
		c.openedAt = r.now()
	}
}

// State reports the circuit's current state for inspection.
func (r *Registry) State(agentID, tool string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(agentID, tool).state
}
