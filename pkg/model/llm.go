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

package model

import (
	"context"
	"iter"
)

// LLM is the unified streaming interface every wire dialect implements.
//
// Stream yields zero or more partial chunks followed by exactly one final
// chunk whose Final field carries the aggregated Completion. The iterator
// stops early with a non-nil error on transport failure; the caller's
// context cancels the underlying socket.
type LLM interface {
	// Name returns the model identifier sent on the wire.
	Name() string

	// Stream performs one generation call.
	Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]

	// Close releases any resources held by the client.
	Close() error
}

// Request is the dialect-independent input to a generation call.
type Request struct {
	// System is the system prompt; dialects place it where their wire
	// format expects (top-level field, systemInstruction, first message).
	System string

	// Messages is the ordered conversation, system prompt excluded.
	Messages []*Message

	// Tools the model may call.
	Tools []ToolDefinition

	// Options for this generation.
	Options GenerateOptions
}

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ReasoningEffort selects how much internal reasoning the model spends,
// for dialects that support it.
type ReasoningEffort string

const (
	ReasoningOff    ReasoningEffort = ""
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// GenerateOptions carries per-call generation knobs.
type GenerateOptions struct {
	MaxOutputTokens int
	Temperature     *float64
	ReasoningEffort ReasoningEffort
	StopSequences   []string
}

// ToolCall is a pending invocation emitted by the model. ID is
// provider-supplied or synthesized when the dialect omits it.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage counts tokens for one generation call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// StopReason is the model's signaled termination condition for a step.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
	// StopPaused closes the frame of a resumable suspension; unlike
	// cancelled the session can be resumed.
	StopPaused StopReason = "paused"
)

// Completion is the finalization record of one generation call.
type Completion struct {
	Text       string
	Reasoning  string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// AssistantMessage converts the completion into the message appended to
// the conversation: text, reasoning, then one invocation block per call.
func (c *Completion) AssistantMessage() *Message {
	msg := &Message{Role: RoleAssistant}
	if c.Reasoning != "" {
		msg.Blocks = append(msg.Blocks, ReasoningBlock{Text: c.Reasoning})
	}
	if c.Text != "" {
		msg.Blocks = append(msg.Blocks, TextBlock{Text: c.Text})
	}
	for _, tc := range c.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		msg.Blocks = append(msg.Blocks, ToolInvocationBlock{ID: tc.ID, Name: tc.Name, Arguments: args})
	}
	return msg
}

// ChunkType discriminates streamed chunks.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
	ChunkToolCall  ChunkType = "tool_call"
	ChunkFinal     ChunkType = "final"
)

// Chunk is one unit of streamed progress from a dialect client. Exactly
// one of the payload fields is set, selected by Type; the last chunk of a
// successful stream has Type ChunkFinal and a non-nil Final.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Final    *Completion
}
