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

// Package model defines the conversation data model shared by the whole
// runtime: messages made of typed content blocks, tool calls and results,
// the unified LLM request/response shapes, and the stream events fanned
// out to subscribers.
//
// Blocks and stream events are closed sum types. Code that consumes them
// switches exhaustively on the concrete type; there is no string-keyed
// dispatch anywhere above the wire layer.
package model

import (
	"encoding/json"
	"fmt"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one typed element of a message's content.
//
// The concrete types are TextBlock, ReasoningBlock, ToolInvocationBlock
// and ToolResultBlock. The unexported method seals the set.
type Block interface {
	blockType() string
}

// TextBlock carries assistant or user visible text.
type TextBlock struct {
	Text string `json:"text"`
}

// ReasoningBlock carries the model's internal reasoning, for dialects
// that expose it.
type ReasoningBlock struct {
	Text string `json:"text"`
}

// ToolInvocationBlock records a tool call the assistant requested.
type ToolInvocationBlock struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResultBlock records the outcome of a tool invocation. RefID points
// back at the invocation's ID.
type ToolResultBlock struct {
	RefID   string `json:"ref_id"`
	Payload string `json:"payload"`
	IsError bool   `json:"is_error"`
}

func (TextBlock) blockType() string           { return "text" }
func (ReasoningBlock) blockType() string      { return "reasoning" }
func (ToolInvocationBlock) blockType() string { return "tool_invocation" }
func (ToolResultBlock) blockType() string     { return "tool_result" }

// Message is one ordered element of a session's conversation. Once
// persisted it is never mutated; corrections are new messages.
type Message struct {
	Role   Role
	Blocks []Block
}

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role Role, text string) *Message {
	return &Message{Role: role, Blocks: []Block{TextBlock{Text: text}}}
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if tb, ok := b.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// ToolInvocations returns the invocation blocks in order.
func (m *Message) ToolInvocations() []ToolInvocationBlock {
	var out []ToolInvocationBlock
	for _, b := range m.Blocks {
		if inv, ok := b.(ToolInvocationBlock); ok {
			out = append(out, inv)
		}
	}
	return out
}

// ToolResults returns the result blocks in order.
func (m *Message) ToolResults() []ToolResultBlock {
	var out []ToolResultBlock
	for _, b := range m.Blocks {
		if tr, ok := b.(ToolResultBlock); ok {
			out = append(out, tr)
		}
	}
	return out
}

// PendingInvocations scans an ordered message list and returns the
// invocations that have no matching result yet, in emission order.
func PendingInvocations(messages []*Message) []ToolInvocationBlock {
	resolved := make(map[string]bool)
	for _, m := range messages {
		for _, tr := range m.ToolResults() {
			resolved[tr.RefID] = true
		}
	}
	var pending []ToolInvocationBlock
	for _, m := range messages {
		for _, inv := range m.ToolInvocations() {
			if !resolved[inv.ID] {
				pending = append(pending, inv)
			}
		}
	}
	return pending
}

// blockEnvelope is the persisted wire shape of a block. The type tag plus
// flattened fields keep the encoding stable so replaying deltas
// reconstructs conversations byte for byte.
type blockEnvelope struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	RefID     string         `json:"ref_id,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type messageEnvelope struct {
	Role   Role            `json:"role"`
	Blocks []blockEnvelope `json:"blocks"`
}

// MarshalJSON encodes the message with per-block type tags.
func (m *Message) MarshalJSON() ([]byte, error) {
	env := messageEnvelope{Role: m.Role, Blocks: make([]blockEnvelope, 0, len(m.Blocks))}
	for _, b := range m.Blocks {
		switch blk := b.(type) {
		case TextBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{Type: "text", Text: blk.Text})
		case ReasoningBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{Type: "reasoning", Text: blk.Text})
		case ToolInvocationBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{
				Type: "tool_invocation", ID: blk.ID, Name: blk.Name, Arguments: blk.Arguments,
			})
		case ToolResultBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{
				Type: "tool_result", RefID: blk.RefID, Payload: blk.Payload, IsError: blk.IsError,
			})
		default:
			return nil, fmt.Errorf("unknown block type %T", b)
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the tagged block encoding.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Role = env.Role
	m.Blocks = make([]Block, 0, len(env.Blocks))
	for _, b := range env.Blocks {
		switch b.Type {
		case "text":
			m.Blocks = append(m.Blocks, TextBlock{Text: b.Text})
		case "reasoning":
			m.Blocks = append(m.Blocks, ReasoningBlock{Text: b.Text})
		case "tool_invocation":
			m.Blocks = append(m.Blocks, ToolInvocationBlock{ID: b.ID, Name: b.Name, Arguments: b.Arguments})
		case "tool_result":
			m.Blocks = append(m.Blocks, ToolResultBlock{RefID: b.RefID, Payload: b.Payload, IsError: b.IsError})
		default:
			return fmt.Errorf("unknown block type %q", b.Type)
		}
	}
	return nil
}
