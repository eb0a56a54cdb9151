package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/model"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient speaks the Anthropic Messages API with SSE streaming.
type AnthropicClient struct {
	baseURL    string
	modelName  string
	apiKey     string
	httpClient *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	Stream        bool               `json:"stream"`
	System        string             `json:"system,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamFrame struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	Message      *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func NewAnthropicClient(baseURL string, cfg ClientConfig) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		baseURL:    baseURL,
		modelName:  cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: cfg.httpClient(),
	}
}

func (c *AnthropicClient) Name() string { return c.modelName }
func (c *AnthropicClient) Close() error { return nil }

func thinkingBudget(effort model.ReasoningEffort) int {
	switch effort {
	case model.ReasoningLow:
		return 2048
	case model.ReasoningMedium:
		return 8192
	case model.ReasoningHigh:
		return 16384
	default:
		return 0
	}
}

func (c *AnthropicClient) buildRequest(req *model.Request) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			// System prompts ride the top-level field; stray system
			// messages are folded in by the caller before this point.
			continue

		case model.RoleUser:
			var contents []anthropicContent
			for _, b := range msg.Blocks {
				switch blk := b.(type) {
				case model.TextBlock:
					contents = append(contents, anthropicContent{Type: "text", Text: blk.Text})
				case model.ToolResultBlock:
					contents = append(contents, anthropicContent{
						Type:      "tool_result",
						ToolUseID: blk.RefID,
						Content:   blk.Payload,
						IsError:   blk.IsError,
					})
				}
			}
			if len(contents) > 0 {
				messages = append(messages, anthropicMessage{Role: "user", Content: contents})
			}

		case model.RoleAssistant:
			var contents []anthropicContent
			for _, b := range msg.Blocks {
				switch blk := b.(type) {
				case model.TextBlock:
					contents = append(contents, anthropicContent{Type: "text", Text: blk.Text})
				case model.ReasoningBlock:
					contents = append(contents, anthropicContent{Type: "thinking", Thinking: blk.Text})
				case model.ToolInvocationBlock:
					input := blk.Arguments
					if input == nil {
						input = map[string]any{}
					}
					contents = append(contents, anthropicContent{
						Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: &input,
					})
				}
			}
			if len(contents) > 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: contents})
			}
		}
	}

	out := anthropicRequest{
		Model:         c.modelName,
		Messages:      messages,
		MaxTokens:     req.Options.MaxOutputTokens,
		Temperature:   req.Options.Temperature,
		Stream:        true,
		System:        req.System,
		StopSequences: req.Options.StopSequences,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	if budget := thinkingBudget(req.Options.ReasoningEffort); budget > 0 {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out
}

func mapAnthropicStop(reason string) model.StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return model.StopEndTurn
	case "tool_use":
		return model.StopToolUse
	case "max_tokens":
		return model.StopMaxTokens
	default:
		return model.StopEndTurn
	}
}

func (c *AnthropicClient) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		body, err := json.Marshal(c.buildRequest(req))
		if err != nil {
			yield(nil, fmt.Errorf("marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			yield(nil, fmt.Errorf("anthropic API error (HTTP %d): %s", resp.StatusCode, string(errBody)))
			return
		}

		var (
			final       model.Completion
			toolCalls   = make(map[int]*model.ToolCall)
			argBuffers  = make(map[int]string)
			blockKinds  = make(map[int]string)
			stopReason  string
			streamError error
		)

		scanner := newScanner(resp.Body)
		for scanner.Scan() {
			data, ok := sseData(scanner.Text())
			if !ok {
				continue
			}

			var frame anthropicStreamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				streamError = fmt.Errorf("decoding stream frame: %w", err)
				break
			}

			switch frame.Type {
			case "error":
				msg := "unknown stream error"
				if frame.Error != nil {
					msg = frame.Error.Message
				}
				streamError = fmt.Errorf("anthropic stream error: %s", msg)

			case "message_start":
				if frame.Message != nil {
					final.Usage.InputTokens = frame.Message.Usage.InputTokens
				}

			case "content_block_start":
				if frame.ContentBlock == nil {
					continue
				}
				blockKinds[frame.Index] = frame.ContentBlock.Type
				if frame.ContentBlock.Type == "tool_use" {
					toolCalls[frame.Index] = &model.ToolCall{
						ID:        frame.ContentBlock.ID,
						Name:      frame.ContentBlock.Name,
						Arguments: map[string]any{},
					}
					argBuffers[frame.Index] = ""
				}

			case "content_block_delta":
				if frame.Delta == nil {
					continue
				}
				switch frame.Delta.Type {
				case "text_delta":
					final.Text += frame.Delta.Text
					if !yield(&model.Chunk{Type: model.ChunkText, Text: frame.Delta.Text}, nil) {
						return
					}
				case "thinking_delta":
					final.Reasoning += frame.Delta.Thinking
					if !yield(&model.Chunk{Type: model.ChunkReasoning, Text: frame.Delta.Thinking}, nil) {
						return
					}
				case "input_json_delta":
					argBuffers[frame.Index] += frame.Delta.PartialJSON
				}

			case "content_block_stop":
				tc, exists := toolCalls[frame.Index]
				if !exists {
					continue
				}
				if buf := argBuffers[frame.Index]; buf != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(buf), &args); err == nil {
						tc.Arguments = args
					}
				}
				if tc.ID == "" {
					tc.ID = synthCallID()
				}
				final.ToolCalls = append(final.ToolCalls, *tc)
				if !yield(&model.Chunk{Type: model.ChunkToolCall, ToolCall: tc}, nil) {
					return
				}

			case "message_delta":
				if frame.Delta != nil && frame.Delta.StopReason != "" {
					stopReason = frame.Delta.StopReason
				}
				if frame.Usage != nil {
					final.Usage.OutputTokens = frame.Usage.OutputTokens
				}

			case "message_stop":
				final.StopReason = mapAnthropicStop(stopReason)
				yield(&model.Chunk{Type: model.ChunkFinal, Final: &final}, nil)
				return
			}

			if streamError != nil {
				break
			}
		}

		if streamError == nil {
			if err := scanner.Err(); err != nil {
				streamError = fmt.Errorf("reading stream: %w", err)
			} else {
				streamError = fmt.Errorf("stream ended without message_stop")
			}
		}
		yield(nil, streamError)
	}
}
