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

// OllamaClient speaks the Ollama chat API: newline-delimited JSON with a
// final done:true record carrying token counts.
type OllamaClient struct {
	baseURL    string
	modelName  string
	httpClient *httpclient.Client
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Think    bool            `json:"think,omitempty"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaStreamRecord struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func NewOllamaClient(baseURL string, cfg ClientConfig) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL:    baseURL,
		modelName:  cfg.Model,
		httpClient: cfg.httpClient(),
	}
}

func (c *OllamaClient) Name() string { return c.modelName }
func (c *OllamaClient) Close() error { return nil }

func (c *OllamaClient) buildRequest(req *model.Request) ollamaRequest {
	var messages []ollamaMessage
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			messages = append(messages, ollamaMessage{Role: "system", Content: msg.Text()})

		case model.RoleUser:
			for _, tr := range msg.ToolResults() {
				messages = append(messages, ollamaMessage{Role: "tool", Content: tr.Payload})
			}
			if text := msg.Text(); text != "" {
				messages = append(messages, ollamaMessage{Role: "user", Content: text})
			}

		case model.RoleAssistant:
			out := ollamaMessage{Role: "assistant", Content: msg.Text()}
			for _, inv := range msg.ToolInvocations() {
				var tc ollamaToolCall
				tc.Function.Name = inv.Name
				tc.Function.Arguments = inv.Arguments
				if tc.Function.Arguments == nil {
					tc.Function.Arguments = map[string]any{}
				}
				out.ToolCalls = append(out.ToolCalls, tc)
			}
			messages = append(messages, out)
		}
	}

	out := ollamaRequest{
		Model:    c.modelName,
		Messages: messages,
		Stream:   true,
		Think:    req.Options.ReasoningEffort != model.ReasoningOff,
	}
	opts := &ollamaOptions{
		Temperature: req.Options.Temperature,
		NumPredict:  req.Options.MaxOutputTokens,
		Stop:        req.Options.StopSequences,
	}
	if opts.Temperature != nil || opts.NumPredict > 0 || len(opts.Stop) > 0 {
		out.Options = opts
	}
	// Tools mirror the openai-compatible declaration shape.
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

func (c *OllamaClient) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		body, err := json.Marshal(c.buildRequest(req))
		if err != nil {
			yield(nil, fmt.Errorf("marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			yield(nil, fmt.Errorf("ollama API error (HTTP %d): %s", resp.StatusCode, string(errBody)))
			return
		}

		var final model.Completion

		scanner := newScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			var record ollamaStreamRecord
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				yield(nil, fmt.Errorf("decoding stream record: %w", err))
				return
			}
			if record.Error != "" {
				yield(nil, fmt.Errorf("ollama stream error: %s", record.Error))
				return
			}

			if record.Message.Content != "" {
				final.Text += record.Message.Content
				if !yield(&model.Chunk{Type: model.ChunkText, Text: record.Message.Content}, nil) {
					return
				}
			}
			if record.Message.Thinking != "" {
				final.Reasoning += record.Message.Thinking
				if !yield(&model.Chunk{Type: model.ChunkReasoning, Text: record.Message.Thinking}, nil) {
					return
				}
			}
			for _, call := range record.Message.ToolCalls {
				tc := &model.ToolCall{
					ID:        synthCallID(),
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				}
				if tc.Arguments == nil {
					tc.Arguments = map[string]any{}
				}
				final.ToolCalls = append(final.ToolCalls, *tc)
				if !yield(&model.Chunk{Type: model.ChunkToolCall, ToolCall: tc}, nil) {
					return
				}
			}

			if record.Done {
				final.Usage.InputTokens = record.PromptEvalCount
				final.Usage.OutputTokens = record.EvalCount
				// Ollama has no tool_use stop reason on the wire; infer it.
				switch {
				case record.DoneReason == "length":
					final.StopReason = model.StopMaxTokens
				case len(final.ToolCalls) > 0:
					final.StopReason = model.StopToolUse
				default:
					final.StopReason = model.StopEndTurn
				}
				yield(&model.Chunk{Type: model.ChunkFinal, Final: &final}, nil)
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("reading stream: %w", err))
			return
		}
		yield(nil, fmt.Errorf("stream ended without done record"))
	}
}
