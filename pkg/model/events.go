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
	"encoding/json"
	"fmt"
)

// StreamEvent is one observable unit of a session's progress, fanned out
// to subscribers. Concrete types: TextDelta, ReasoningDelta,
// ToolCallStart, ToolResultEvent, RetryEvent, StepEnd, Lag.
//
// The baseline wire encoding is line-delimited JSON with a "type" tag;
// EncodeEvent and DecodeEvent own that mapping.
type StreamEvent interface {
	eventType() string
}

// TextDelta is incremental assistant text.
type TextDelta struct {
	Text string `json:"text"`
}

// ReasoningDelta is incremental internal reasoning.
type ReasoningDelta struct {
	Text string `json:"text"`
}

// ToolCallStart announces that the model requested a tool.
type ToolCallStart struct {
	ToolName string `json:"tool_name"`
	CallID   string `json:"call_id"`
}

// ToolResultEvent reports a tool call's outcome.
type ToolResultEvent struct {
	CallID  string `json:"call_id"`
	OK      bool   `json:"ok"`
	Payload string `json:"payload"`
}

// RetryEvent reports one retry attempt of the LLM transport. Informational
// only: it is never persisted, and removing every RetryEvent from a
// session's stream leaves the terminal message list unchanged.
type RetryEvent struct {
	Attempt int    `json:"attempt"`
	DelayMS int64  `json:"delay_ms"`
	Reason  string `json:"reason"`
}

// StepEnd closes one step. Every terminal session state emits a final
// StepEnd so subscribers always observe a well-formed closing frame.
type StepEnd struct {
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	Error      string     `json:"error,omitempty"`
}

// Lag is the terminal notice delivered to a subscriber dropped for
// falling behind.
type Lag struct {
	Dropped int `json:"dropped"`
}

func (TextDelta) eventType() string       { return "text_delta" }
func (ReasoningDelta) eventType() string  { return "reasoning_delta" }
func (ToolCallStart) eventType() string   { return "tool_call_start" }
func (ToolResultEvent) eventType() string { return "tool_result" }
func (RetryEvent) eventType() string      { return "retry" }
func (StepEnd) eventType() string         { return "step_end" }
func (Lag) eventType() string             { return "lag" }

// EventType returns the wire tag for ev.
func EventType(ev StreamEvent) string {
	return ev.eventType()
}

// EncodeEvent renders ev as a single JSON object with a "type" tag.
func EncodeEvent(ev StreamEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	// Splice the tag into the object without re-marshaling.
	if string(body) == "{}" {
		return fmt.Appendf(nil, `{"type":%q}`, ev.eventType()), nil
	}
	return fmt.Appendf(nil, `{"type":%q,%s`, ev.eventType(), body[1:]), nil
}

// DecodeEvent parses the tagged encoding back into a concrete event.
func DecodeEvent(data []byte) (StreamEvent, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	decode := func(ev StreamEvent) (StreamEvent, error) {
		return ev, nil
	}
	switch tag.Type {
	case "text_delta":
		var ev TextDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	case "reasoning_delta":
		var ev ReasoningDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	case "tool_call_start":
		var ev ToolCallStart
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	case "tool_result":
		var ev ToolResultEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	case "retry":
		var ev RetryEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	case "step_end":
		var ev StepEnd
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	case "lag":
		var ev Lag
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return decode(ev)
	default:
		return nil, fmt.Errorf("unknown event type %q", tag.Type)
	}
}
