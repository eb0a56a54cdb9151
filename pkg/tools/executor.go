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

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/strand/pkg/approval"
	"github.com/kadirpekel/strand/pkg/breaker"
	"github.com/kadirpekel/strand/pkg/credentials"
	"github.com/kadirpekel/strand/pkg/dlp"
	"github.com/kadirpekel/strand/pkg/journal"
	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/ratelimit"
)

// Failure taxonomy codes. They travel inside tool result payloads; the
// loop never sees a Go error from a failed call.
const (
	CodePolicyDenied     = "policy_denied"
	CodeSchemaInvalid    = "schema_invalid"
	CodeNotFound         = "not_found"
	CodeTimeout          = "timeout"
	CodeRateLimited      = "rate_limited"
	CodeCircuitOpen      = "circuit_open"
	CodeDLPBlocked       = "dlp_blocked"
	CodeApprovalRejected = "approval_rejected"
	CodeHandlerFailed    = "handler_failed"
)

const (
	// DefaultDeadline bounds a handler unless its profile overrides it.
	DefaultDeadline = 30 * time.Second
	// MaxOutputBytes caps a serialized result payload.
	MaxOutputBytes = 64 * 1024
)

// ApproveFunc suspends the calling session until a human resolves the
// request. The loop supplies it; a nil func rejects gated calls.
type ApproveFunc func(ctx context.Context, call model.ToolCall, spec approval.Spec) (approval.Resolution, error)

// Mutation is the reversibility record a mutating handler hands back
// for journaling.
type Mutation struct {
	Action  journal.ActionType
	Before  map[string]any
	After   map[string]any
	Inverse journal.Inverse
}

// ExecContext carries the per-call environment into gates and handlers.
type ExecContext struct {
	SessionID string
	AgentID   string
	OrgID     string

	Credentials *credentials.Resolver
	Sandbox     *Sandbox
	Permissions *Permission
	Approve     ApproveFunc

	mu       sync.Mutex
	mutation *Mutation
}

// RecordMutation lets a handler attach before/after snapshots and an
// inverse for the journal. Last call wins.
func (ec *ExecContext) RecordMutation(m Mutation) {
	ec.mu.Lock()
	ec.mutation = &m
	ec.mu.Unlock()
}

func (ec *ExecContext) takeMutation() *Mutation {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	m := ec.mutation
	ec.mutation = nil
	return m
}

// Outcome is the executor's verdict on one call.
type Outcome struct {
	Payload any
	IsError bool
	// Code is the taxonomy code when IsError.
	Code string
}

// Result converts the outcome into the conversation block. The payload
// is serialized to JSON for persistence.
func (o *Outcome) Result(callID string) model.ToolResultBlock {
	data, err := json.Marshal(o.Payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", o.Payload))
	}
	return model.ToolResultBlock{RefID: callID, Payload: string(data), IsError: o.IsError}
}

func failure(code, detail string) *Outcome {
	return &Outcome{
		Payload: map[string]any{"error": code, "detail": detail},
		IsError: true,
		Code:    code,
	}
}

// Executor runs tool calls through the policy gates.
type Executor struct {
	registry *Registry
	scanner  *dlp.Scanner
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	journal  *journal.Journal
	logger   *slog.Logger

	mu            sync.Mutex
	sessionWrites map[string]*sync.Mutex
}

// NewExecutor wires the executor. Any governance collaborator may be
// nil, which disables its gate.
func NewExecutor(reg *Registry, scanner *dlp.Scanner, limiter *ratelimit.Limiter, breakers *breaker.Registry, jrnl *journal.Journal) *Executor {
	return &Executor{
		registry:      reg,
		scanner:       scanner,
		limiter:       limiter,
		breakers:      breakers,
		journal:       jrnl,
		logger:        logger.For("tools"),
		sessionWrites: make(map[string]*sync.Mutex),
	}
}

// Registry exposes the catalog for the loop's tool declarations.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute resolves, gates, and runs one call. The returned outcome is
// always non-nil; the error return is reserved for context
// cancellation, which the loop handles as session cancellation.
func (e *Executor) Execute(ctx context.Context, ec *ExecContext, call model.ToolCall) (*Outcome, error) {
	tool, err := e.registry.Resolve(ctx, ec.AgentID, call.Name)
	if err != nil {
		return failure(CodeNotFound, fmt.Sprintf("unknown tool: %s", call.Name)), nil
	}
	profile := tool.Profile()
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(tool.Schema(), args); err != nil {
		return failure(CodeSchemaInvalid, err.Error()), nil
	}

	// Gate 1: permission profile.
	if ec.Permissions != nil {
		if err := ec.Permissions.Allows(profile); err != nil {
			return failure(CodePolicyDenied, err.Error()), nil
		}
	}

	// Gates 2-4: path, network, command sandboxes over the
	// conventional argument names.
	if ec.Sandbox != nil {
		if path, ok := args["path"].(string); ok {
			if err := ec.Sandbox.CheckPath(path); err != nil {
				return failure(CodePolicyDenied, err.Error()), nil
			}
		}
		if raw, ok := args["url"].(string); ok {
			if err := ec.Sandbox.CheckURL(raw); err != nil {
				return failure(CodePolicyDenied, err.Error()), nil
			}
		}
		if command, ok := args["command"].(string); ok {
			if err := ec.Sandbox.CheckCommand(command); err != nil {
				return failure(CodePolicyDenied, err.Error()), nil
			}
		}
	}

	// Gate 5: DLP. Redaction rewrites the arguments the handler sees.
	if e.scanner != nil {
		res := e.scanner.Scan(args)
		if res.Blocked {
			return failure(CodeDLPBlocked, fmt.Sprintf("blocked by rule %s", res.BlockedBy)), nil
		}
		args = res.Arguments
	}

	// Gate 6: rate limit. Peek here; the token is consumed only when
	// execution actually begins, so later-gate rejections are free.
	if e.limiter != nil {
		if d := e.limiter.Check(ec.AgentID, call.Name); !d.Allowed {
			return failure(CodeRateLimited,
				fmt.Sprintf("%s bucket exhausted, retry after %s", d.Scope, d.RetryAfter.Round(time.Millisecond))), nil
		}
	}

	// Gate 7: circuit breaker.
	if e.breakers != nil && !e.breakers.Allow(ec.AgentID, call.Name) {
		return failure(CodeCircuitOpen, fmt.Sprintf("circuit open for %s", call.Name)), nil
	}

	// Gate 8: approval.
	if ec.Permissions != nil && ec.Permissions.NeedsApproval(profile) {
		if ec.Approve == nil {
			return failure(CodeApprovalRejected, "approval required but no approver is configured"), nil
		}
		res, err := ec.Approve(ctx, call, approval.Spec{
			Approvers:  ec.Permissions.Approvers,
			Policy:     ec.Permissions.ApprovalPolicy,
			Timeout:    ec.Permissions.ApprovalTimeout,
			EscalateTo: ec.Permissions.EscalateTo,
		})
		if err != nil {
			return nil, err
		}
		if !res.Approved {
			return failure(CodeApprovalRejected, res.Reason), nil
		}
	}

	if e.limiter != nil {
		if d := e.limiter.Consume(ec.AgentID, call.Name); !d.Allowed {
			return failure(CodeRateLimited,
				fmt.Sprintf("%s bucket exhausted, retry after %s", d.Scope, d.RetryAfter.Round(time.Millisecond))), nil
		}
	}

	if profile.Mutates {
		lock := e.sessionWriteLock(ec.SessionID)
		lock.Lock()
		defer lock.Unlock()
	}

	outcome := e.run(ctx, ec, tool, call, args)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.breakers != nil {
		if outcome.IsError {
			e.breakers.RecordFailure(ec.AgentID, call.Name)
		} else {
			e.breakers.RecordSuccess(ec.AgentID, call.Name)
		}
	}

	e.journalCall(ctx, ec, tool, call, outcome)
	return outcome, nil
}

func (e *Executor) sessionWriteLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessionWrites[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionWrites[sessionID] = lock
	}
	return lock
}

// run invokes the handler under its deadline with panic capture.
func (e *Executor) run(ctx context.Context, ec *ExecContext, tool Tool, call model.ToolCall, args map[string]any) (outcome *Outcome) {
	deadline := tool.Profile().Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked", "tool", call.Name, "panic", fmt.Sprint(r))
			outcome = failure(CodeHandlerFailed, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	payload, err := tool.Call(callCtx, ec, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return failure(CodeTimeout, fmt.Sprintf("tool exceeded %s deadline", deadline))
		}
		return failure(CodeHandlerFailed, err.Error())
	}
	return &Outcome{Payload: truncatePayload(payload)}
}

// journalCall records every completed invocation; mutating handlers
// contribute snapshots and an inverse through the context.
func (e *Executor) journalCall(ctx context.Context, ec *ExecContext, tool Tool, call model.ToolCall, outcome *Outcome) {
	if e.journal == nil {
		return
	}
	mutation := ec.takeMutation()

	entry := &journal.Entry{
		SessionID:  ec.SessionID,
		AgentID:    ec.AgentID,
		ToolName:   call.Name,
		ActionType: journal.ActionExecute,
		Actor:      ec.AgentID,
	}
	var inverse journal.Inverse
	if mutation != nil && !outcome.IsError {
		entry.ActionType = mutation.Action
		entry.Before = mutation.Before
		entry.After = mutation.After
		inverse = mutation.Inverse
	}
	if _, err := e.journal.Record(ctx, entry, inverse); err != nil {
		e.logger.Error("journaling tool call failed", "tool", call.Name, "error", err)
	}
}

// truncatePayload caps the serialized payload size, replacing oversized
// results with a truncated content wrapper.
func truncatePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil || len(data) <= MaxOutputBytes {
		return payload
	}
	return map[string]any{
		"content":   string(data[:MaxOutputBytes]),
		"truncated": true,
	}
}

// validateArgs checks required properties and primitive types against
// the tool's schema. Typed-args tools additionally fail decoding on
// structural mismatches.
func validateArgs(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument: %s", name)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument: %s", name)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		propSchema, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		wanted, _ := propSchema["type"].(string)
		if wanted == "" || value == nil {
			continue
		}
		if !typeMatches(wanted, value) {
			return fmt.Errorf("argument %s: expected %s", name, wanted)
		}
	}
	return nil
}

func typeMatches(wanted string, value any) bool {
	switch wanted {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}
