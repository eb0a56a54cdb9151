package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"

	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/model"
)

// GeminiClient speaks the Google Gemini generateContent API over SSE.
type GeminiClient struct {
	baseURL    string
	modelName  string
	apiKey     string
	httpClient *httpclient.Client
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiStreamFrame struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewGeminiClient(baseURL string, cfg ClientConfig) *GeminiClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiClient{
		baseURL:    baseURL,
		modelName:  cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: cfg.httpClient(),
	}
}

func (c *GeminiClient) Name() string { return c.modelName }
func (c *GeminiClient) Close() error { return nil }

func (c *GeminiClient) buildRequest(req *model.Request) geminiRequest {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	// functionResponse parts are keyed by function name, not call id, so
	// map invocation ids back to names while walking the history.
	callNames := make(map[string]string)

	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			continue

		case model.RoleUser:
			var parts []geminiPart
			for _, b := range msg.Blocks {
				switch blk := b.(type) {
				case model.TextBlock:
					parts = append(parts, geminiPart{Text: blk.Text})
				case model.ToolResultBlock:
					response := map[string]any{"content": blk.Payload}
					if blk.IsError {
						response["error"] = true
					}
					parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
						Name:     callNames[blk.RefID],
						Response: response,
					}})
				}
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
			}

		case model.RoleAssistant:
			var parts []geminiPart
			for _, b := range msg.Blocks {
				switch blk := b.(type) {
				case model.TextBlock:
					parts = append(parts, geminiPart{Text: blk.Text})
				case model.ToolInvocationBlock:
					callNames[blk.ID] = blk.Name
					args := blk.Arguments
					if args == nil {
						args = map[string]any{}
					}
					parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
						Name: blk.Name,
						Args: args,
					}})
				}
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})
			}
		}
	}

	gen := &geminiGenerationConfig{
		Temperature:     req.Options.Temperature,
		MaxOutputTokens: req.Options.MaxOutputTokens,
		StopSequences:   req.Options.StopSequences,
	}
	if budget := thinkingBudget(req.Options.ReasoningEffort); budget > 0 {
		gen.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
	}
	out.GenerationConfig = gen

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []geminiTool{tool}
	}
	return out
}

func (c *GeminiClient) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		body, err := json.Marshal(c.buildRequest(req))
		if err != nil {
			yield(nil, fmt.Errorf("marshaling request: %w", err))
			return
		}

		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
			c.baseURL, url.PathEscape(c.modelName), url.QueryEscape(c.apiKey))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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
			yield(nil, fmt.Errorf("gemini API error (HTTP %d): %s", resp.StatusCode, string(errBody)))
			return
		}

		var (
			final        model.Completion
			finishReason string
		)

		scanner := newScanner(resp.Body)
		for scanner.Scan() {
			data, ok := sseData(scanner.Text())
			if !ok {
				continue
			}

			var frame geminiStreamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				yield(nil, fmt.Errorf("decoding stream frame: %w", err))
				return
			}
			if frame.Error != nil {
				yield(nil, fmt.Errorf("gemini stream error (code %d): %s", frame.Error.Code, frame.Error.Message))
				return
			}
			if frame.UsageMetadata != nil {
				final.Usage.InputTokens = frame.UsageMetadata.PromptTokenCount
				final.Usage.OutputTokens = frame.UsageMetadata.CandidatesTokenCount
			}
			if len(frame.Candidates) == 0 {
				continue
			}

			candidate := frame.Candidates[0]
			if candidate.FinishReason != "" {
				finishReason = candidate.FinishReason
			}
			for _, part := range candidate.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					tc := &model.ToolCall{
						ID:        synthCallID(),
						Name:      part.FunctionCall.Name,
						Arguments: part.FunctionCall.Args,
					}
					if tc.Arguments == nil {
						tc.Arguments = map[string]any{}
					}
					final.ToolCalls = append(final.ToolCalls, *tc)
					if !yield(&model.Chunk{Type: model.ChunkToolCall, ToolCall: tc}, nil) {
						return
					}
				case part.Thought:
					final.Reasoning += part.Text
					if !yield(&model.Chunk{Type: model.ChunkReasoning, Text: part.Text}, nil) {
						return
					}
				case part.Text != "":
					final.Text += part.Text
					if !yield(&model.Chunk{Type: model.ChunkText, Text: part.Text}, nil) {
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("reading stream: %w", err))
			return
		}

		switch {
		case finishReason == "MAX_TOKENS":
			final.StopReason = model.StopMaxTokens
		case len(final.ToolCalls) > 0:
			final.StopReason = model.StopToolUse
		default:
			final.StopReason = model.StopEndTurn
		}
		yield(&model.Chunk{Type: model.ChunkFinal, Final: &final}, nil)
	}
}
