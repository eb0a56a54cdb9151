package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"

	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/model"
)

// OpenAIClient speaks OpenAI-compatible chat completions with chunked
// delta streaming. It also covers every unknown provider configured with
// a bare base URL.
type OpenAIClient struct {
	baseURL    string
	modelName  string
	apiKey     string
	httpClient *httpclient.Client
}

type openAIFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model           string               `json:"model"`
	Messages        []openAIMessage      `json:"messages"`
	MaxTokens       int                  `json:"max_completion_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	Stop            []string             `json:"stop,omitempty"`
	Stream          bool                 `json:"stream"`
	StreamOptions   *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools           []openAITool         `json:"tools,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewOpenAIClient(baseURL string, cfg ClientConfig) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		modelName:  cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: cfg.httpClient(),
	}
}

func (c *OpenAIClient) Name() string { return c.modelName }
func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) buildRequest(req *model.Request) openAIRequest {
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			messages = append(messages, openAIMessage{Role: "system", Content: msg.Text()})

		case model.RoleUser:
			// Tool results become dedicated tool-role messages, one per
			// result, keyed by tool_call_id.
			for _, tr := range msg.ToolResults() {
				messages = append(messages, openAIMessage{
					Role:       "tool",
					Content:    tr.Payload,
					ToolCallID: tr.RefID,
				})
			}
			if text := msg.Text(); text != "" {
				messages = append(messages, openAIMessage{Role: "user", Content: text})
			}

		case model.RoleAssistant:
			out := openAIMessage{Role: "assistant", Content: msg.Text()}
			for i, inv := range msg.ToolInvocations() {
				args, _ := json.Marshal(inv.Arguments)
				out.ToolCalls = append(out.ToolCalls, openAIToolCall{
					Index: i,
					ID:    inv.ID,
					Type:  "function",
					Function: openAIFunctionCall{
						Name:      inv.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, out)
		}
	}

	out := openAIRequest{
		Model:           c.modelName,
		Messages:        messages,
		MaxTokens:       req.Options.MaxOutputTokens,
		Temperature:     req.Options.Temperature,
		Stop:            req.Options.StopSequences,
		Stream:          true,
		StreamOptions:   &openAIStreamOptions{IncludeUsage: true},
		ReasoningEffort: string(req.Options.ReasoningEffort),
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func mapOpenAIFinish(reason string) model.StopReason {
	switch reason {
	case "stop":
		return model.StopEndTurn
	case "tool_calls":
		return model.StopToolUse
	case "length":
		return model.StopMaxTokens
	default:
		return model.StopEndTurn
	}
}

func (c *OpenAIClient) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		body, err := json.Marshal(c.buildRequest(req))
		if err != nil {
			yield(nil, fmt.Errorf("marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			yield(nil, fmt.Errorf("openai-compatible API error (HTTP %d): %s", resp.StatusCode, string(errBody)))
			return
		}

		var (
			final        model.Completion
			finishReason string
			// Tool-call arguments arrive as concatenated JSON fragments
			// keyed by index; assembled once the stream completes.
			pendingCalls = make(map[int]*model.ToolCall)
			pendingArgs  = make(map[int]string)
		)

		scanner := newScanner(resp.Body)
		for scanner.Scan() {
			data, ok := sseData(scanner.Text())
			if !ok {
				continue
			}
			if data == "[DONE]" {
				for _, idx := range sortedIndexes(pendingCalls) {
					tc := pendingCalls[idx]
					if buf := pendingArgs[idx]; buf != "" {
						var args map[string]any
						if err := json.Unmarshal([]byte(buf), &args); err == nil {
							tc.Arguments = args
						}
					}
					final.ToolCalls = append(final.ToolCalls, *tc)
					if !yield(&model.Chunk{Type: model.ChunkToolCall, ToolCall: tc}, nil) {
						return
					}
				}
				if finishReason == "" && len(final.ToolCalls) > 0 {
					finishReason = "tool_calls"
				}
				final.StopReason = mapOpenAIFinish(finishReason)
				yield(&model.Chunk{Type: model.ChunkFinal, Final: &final}, nil)
				return
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield(nil, fmt.Errorf("decoding stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield(nil, fmt.Errorf("openai-compatible stream error: %s", chunk.Error.Message))
				return
			}
			if chunk.Usage != nil {
				final.Usage.InputTokens = chunk.Usage.PromptTokens
				final.Usage.OutputTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				final.Text += choice.Delta.Content
				if !yield(&model.Chunk{Type: model.ChunkText, Text: choice.Delta.Content}, nil) {
					return
				}
			}
			if choice.Delta.ReasoningContent != "" {
				final.Reasoning += choice.Delta.ReasoningContent
				if !yield(&model.Chunk{Type: model.ChunkReasoning, Text: choice.Delta.ReasoningContent}, nil) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				call, exists := pendingCalls[tc.Index]
				if !exists {
					call = &model.ToolCall{Arguments: map[string]any{}}
					pendingCalls[tc.Index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				pendingArgs[tc.Index] += tc.Function.Arguments
				if call.ID == "" {
					call.ID = synthCallID()
				}
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("reading stream: %w", err))
			return
		}
		yield(nil, fmt.Errorf("stream ended without [DONE]"))
	}
}

func sortedIndexes(calls map[int]*model.ToolCall) []int {
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}
