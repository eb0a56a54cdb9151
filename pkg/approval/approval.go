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

// Package approval gates high-risk tool calls on a human decision. The
// reasoning loop blocks on a waiter channel; resolutions arrive through
// the HTTP API or the CLI. A request resolves exactly once: by policy,
// by deadline expiry, or by escalation followed by one of those.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/model"
)

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrNotAnApprover   = errors.New("responder is not an approver for this request")
	ErrNotYourTurn     = errors.New("chain policy: waiting on an earlier approver")
)

// Policy decides how approver responses combine.
type Policy string

const (
	// PolicyAny resolves on the first response, whichever way it goes.
	PolicyAny Policy = "any"
	// PolicyAll requires every approver; any rejection rejects.
	PolicyAll Policy = "all"
	// PolicyChain consults approvers strictly in order.
	PolicyChain Policy = "chain"
)

// Status of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
)

// Response is one approver's answer.
type Response struct {
	Approver string    `json:"approver"`
	Approved bool      `json:"approved"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Request is one pending approval.
type Request struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	AgentID    string         `json:"agent_id"`
	ToolCall   model.ToolCall `json:"tool_call"`
	Approvers  []string       `json:"approvers"`
	Policy     Policy         `json:"policy"`
	Deadline   time.Time      `json:"deadline"`
	EscalateTo []string       `json:"escalate_to,omitempty"`
	Status     Status         `json:"status"`
	Responses  []Response     `json:"responses,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Resolution is what the waiting loop receives.
type Resolution struct {
	Approved bool
	// Reason distinguishes decision kinds: "approved", "rejected",
	// "expired".
	Reason  string
	Comment string
}

type pending struct {
	req      *Request
	waiter   chan Resolution
	timer    *time.Timer
	timeout  time.Duration
	resolved bool
	// escalated guards the single allowed escalation.
	escalated bool
}

// Manager is the in-process approval registry.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

func NewManager() *Manager {
	return &Manager{
		logger:  logger.For("approval"),
		pending: make(map[string]*pending),
	}
}

// Spec describes the approval a tool call needs.
type Spec struct {
	Approvers  []string
	Policy     Policy
	Timeout    time.Duration
	EscalateTo []string
}

// Create registers a request and returns it with the channel the caller
// blocks on. The channel receives exactly one Resolution.
func (m *Manager) Create(sessionID, agentID string, call model.ToolCall, spec Spec) (*Request, <-chan Resolution, error) {
	if len(spec.Approvers) == 0 {
		return nil, nil, fmt.Errorf("approval request requires at least one approver")
	}
	switch spec.Policy {
	case PolicyAny, PolicyAll, PolicyChain:
	case "":
		spec.Policy = PolicyAny
	default:
		return nil, nil, fmt.Errorf("unknown approval policy: %s", spec.Policy)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 10 * time.Minute
	}

	now := time.Now().UTC()
	req := &Request{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		AgentID:    agentID,
		ToolCall:   call,
		Approvers:  slices.Clone(spec.Approvers),
		Policy:     spec.Policy,
		Deadline:   now.Add(spec.Timeout),
		EscalateTo: slices.Clone(spec.EscalateTo),
		Status:     StatusPending,
		CreatedAt:  now,
	}
	p := &pending{
		req:     req,
		waiter:  make(chan Resolution, 1),
		timeout: spec.Timeout,
	}

	m.mu.Lock()
	m.pending[req.ID] = p
	p.timer = time.AfterFunc(spec.Timeout, func() { m.expire(req.ID) })
	m.mu.Unlock()

	m.logger.Info("approval requested",
		"request_id", req.ID, "session_id", sessionID, "tool", call.Name,
		"policy", string(spec.Policy), "deadline", req.Deadline)
	return req, p.waiter, nil
}

// Respond records one approver's decision and applies the policy.
func (m *Manager) Respond(requestID, approver string, approved bool, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if p.resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}
	if !slices.Contains(p.req.Approvers, approver) {
		return fmt.Errorf("%w: %s", ErrNotAnApprover, approver)
	}

	if p.req.Policy == PolicyChain {
		next := p.req.Approvers[len(p.req.Responses)]
		if approver != next {
			return fmt.Errorf("%w: next is %s", ErrNotYourTurn, next)
		}
	} else {
		for _, r := range p.req.Responses {
			if r.Approver == approver {
				return fmt.Errorf("%w: %s already responded", ErrAlreadyResolved, approver)
			}
		}
	}

	p.req.Responses = append(p.req.Responses, Response{
		Approver: approver,
		Approved: approved,
		Comment:  comment,
		At:       time.Now().UTC(),
	})

	switch p.req.Policy {
	case PolicyAny:
		m.resolveLocked(p, approved, comment)
	case PolicyAll:
		if !approved {
			m.resolveLocked(p, false, comment)
		} else if len(p.req.Responses) == len(p.req.Approvers) {
			m.resolveLocked(p, true, comment)
		}
	case PolicyChain:
		if !approved {
			m.resolveLocked(p, false, comment)
		} else if len(p.req.Responses) == len(p.req.Approvers) {
			m.resolveLocked(p, true, comment)
		}
	}
	return nil
}

// resolveLocked fires the waiter exactly once. Callers hold m.mu.
func (m *Manager) resolveLocked(p *pending, approved bool, comment string) {
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(m.pending, p.req.ID)

	reason := "rejected"
	p.req.Status = StatusRejected
	if approved {
		reason = "approved"
		p.req.Status = StatusApproved
	}
	p.waiter <- Resolution{Approved: approved, Reason: reason, Comment: comment}

	m.logger.Info("approval resolved",
		"request_id", p.req.ID, "session_id", p.req.SessionID, "approved", approved)
}

// expire handles deadline expiry: escalate once if an escalation target
// exists, otherwise auto-reject.
func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok || p.resolved {
		return
	}

	if len(p.req.EscalateTo) > 0 && !p.escalated {
		p.escalated = true
		p.req.Status = StatusEscalated
		p.req.Approvers = slices.Clone(p.req.EscalateTo)
		p.req.Responses = nil
		p.req.Deadline = time.Now().UTC().Add(p.timeout)
		p.req.Status = StatusPending
		p.timer = time.AfterFunc(p.timeout, func() { m.expire(requestID) })
		m.logger.Warn("approval escalated",
			"request_id", requestID, "escalate_to", p.req.Approvers, "deadline", p.req.Deadline)
		return
	}

	p.resolved = true
	delete(m.pending, requestID)
	p.req.Status = StatusRejected
	p.waiter <- Resolution{Approved: false, Reason: "expired"}
	m.logger.Warn("approval expired", "request_id", requestID, "session_id", p.req.SessionID)
}

// Get returns a snapshot of a pending request.
func (m *Manager) Get(requestID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return snapshot(p.req), nil
}

// Pending lists open requests, optionally filtered by session.
func (m *Manager) Pending(sessionID string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, p := range m.pending {
		if sessionID != "" && p.req.SessionID != sessionID {
			continue
		}
		out = append(out, snapshot(p.req))
	}
	slices.SortFunc(out, func(a, b *Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Cancel resolves a request as rejected, used when its session dies.
func (m *Manager) Cancel(requestID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok || p.resolved {
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(m.pending, requestID)
	p.req.Status = StatusRejected
	p.waiter <- Resolution{Approved: false, Reason: reason}
}

// Wait blocks until resolution or context cancellation.
func Wait(ctx context.Context, waiter <-chan Resolution) (Resolution, error) {
	select {
	case res := <-waiter:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

func snapshot(r *Request) *Request {
	cp := *r
	cp.Approvers = slices.Clone(r.Approvers)
	cp.EscalateTo = slices.Clone(r.EscalateTo)
	cp.Responses = slices.Clone(r.Responses)
	return &cp
}
