package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/model"
)

func collect(t *testing.T, llm model.LLM, ctx context.Context, req *model.Request) ([]*model.Chunk, *model.Completion, error) {
	t.Helper()
	var chunks []*model.Chunk
	var final *model.Completion
	for chunk, err := range llm.Stream(ctx, req) {
		if err != nil {
			return chunks, final, err
		}
		chunks = append(chunks, chunk)
		if chunk.Type == model.ChunkFinal {
			final = chunk.Final
		}
	}
	return chunks, final, nil
}

func basicRequest() *model.Request {
	return &model.Request{
		System:   "You are helpful",
		Messages: []*model.Message{model.NewTextMessage(model.RoleUser, "2+2?")},
		Options:  model.GenerateOptions{MaxOutputTokens: 128},
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()

	def, err := r.Resolve("anthropic", "")
	require.NoError(t, err)
	assert.Equal(t, APITypeAnthropic, def.APIType)

	// Known id with a base URL override keeps its dialect.
	def, err = r.Resolve("ollama", "http://gpu-box:11434")
	require.NoError(t, err)
	assert.Equal(t, APITypeOllama, def.APIType)
	assert.Equal(t, "http://gpu-box:11434", def.BaseURL)

	// Unknown id with a base URL falls back to openai-compatible.
	def, err = r.Resolve("my-vllm", "http://vllm:8000/v1")
	require.NoError(t, err)
	assert.Equal(t, APITypeOpenAI, def.APIType)

	_, err = r.Resolve("my-vllm", "")
	assert.Error(t, err)
}

func TestRegistryRegisterUserDefined(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ProviderDefinition{ID: "groq", BaseURL: "https://api.groq.com/openai/v1"}))

	def, err := r.Resolve("groq", "")
	require.NoError(t, err)
	assert.Equal(t, APITypeOpenAI, def.APIType)

	assert.Error(t, r.Register(ProviderDefinition{ID: "groq", BaseURL: "x"}), "duplicate id")
	assert.Error(t, r.Register(ProviderDefinition{ID: "bad", APIType: "soap"}))
}

func TestAnthropicStream(t *testing.T) {
	var gotBody anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"The answer is "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"4"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		}
		for _, f := range frames {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
	}))
	defer srv.Close()

	llm := NewAnthropicClient(srv.URL, ClientConfig{Model: "claude-test", APIKey: "test-key"})
	chunks, final, err := collect(t, llm, context.Background(), basicRequest())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, "The answer is 4", final.Text)
	assert.Equal(t, model.StopEndTurn, final.StopReason)
	assert.Equal(t, model.Usage{InputTokens: 12, OutputTokens: 7}, final.Usage)
	assert.GreaterOrEqual(t, len(chunks), 3)

	assert.Equal(t, "You are helpful", gotBody.System)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.True(t, gotBody.Stream)
}

func TestAnthropicStreamToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":30}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"echo"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"text\":"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"hi\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
			`{"type":"message_stop"}`,
		}
		for _, f := range frames {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
	}))
	defer srv.Close()

	llm := NewAnthropicClient(srv.URL, ClientConfig{Model: "claude-test", APIKey: "k"})
	_, final, err := collect(t, llm, context.Background(), basicRequest())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, model.StopToolUse, final.StopReason)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "toolu_1", final.ToolCalls[0].ID)
	assert.Equal(t, "echo", final.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"text": "hi"}, final.ToolCalls[0].Arguments)
}

func TestAnthropicToolResultShape(t *testing.T) {
	var gotBody anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		for _, f := range []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":1}}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`,
			`{"type":"message_stop"}`,
		} {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
	}))
	defer srv.Close()

	req := basicRequest()
	req.Messages = append(req.Messages,
		&model.Message{Role: model.RoleAssistant, Blocks: []model.Block{
			model.ToolInvocationBlock{ID: "toolu_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		&model.Message{Role: model.RoleUser, Blocks: []model.Block{
			model.ToolResultBlock{RefID: "toolu_1", Payload: "hi"},
		}},
	)

	llm := NewAnthropicClient(srv.URL, ClientConfig{Model: "claude-test", APIKey: "k"})
	_, _, err := collect(t, llm, context.Background(), req)
	require.NoError(t, err)

	// user text, assistant tool_use, user tool_result.
	require.Len(t, gotBody.Messages, 3)
	assert.Equal(t, "assistant", gotBody.Messages[1].Role)
	assert.Equal(t, "tool_use", gotBody.Messages[1].Content[0].Type)
	assert.Equal(t, "user", gotBody.Messages[2].Role)
	assert.Equal(t, "tool_result", gotBody.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", gotBody.Messages[2].Content[0].ToolUseID)
}

func TestOpenAIStreamWithToolCallFragments(t *testing.T) {
	var gotBody openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		chunks := []string{
			`{"choices":[{"delta":{"content":"calling "}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"echo","arguments":"{\"te"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"xt\":\"hi\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":20,"completion_tokens":11}}`,
		}
		for _, c := range chunks {
			_, _ = io.WriteString(w, "data: "+c+"\n\n")
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	llm := NewOpenAIClient(srv.URL, ClientConfig{Model: "gpt-test", APIKey: "sk-test"})
	req := basicRequest()
	req.Tools = []model.ToolDefinition{{Name: "echo", Description: "echoes", Parameters: map[string]any{"type": "object"}}}
	chunks, final, err := collect(t, llm, context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, "calling ", final.Text)
	assert.Equal(t, model.StopToolUse, final.StopReason)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "call_9", final.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"text": "hi"}, final.ToolCalls[0].Arguments)
	assert.Equal(t, model.Usage{InputTokens: 20, OutputTokens: 11}, final.Usage)
	assert.NotEmpty(t, chunks)

	// Request shape: system message first, tools wrapped as functions.
	require.NotEmpty(t, gotBody.Messages)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "function", gotBody.Tools[0].Type)
	assert.Equal(t, "echo", gotBody.Tools[0].Function.Name)
	require.NotNil(t, gotBody.StreamOptions)
	assert.True(t, gotBody.StreamOptions.IncludeUsage)
}

func TestOpenAIToolResultBecomesToolRole(t *testing.T) {
	var gotBody openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	req := basicRequest()
	req.Messages = append(req.Messages,
		&model.Message{Role: model.RoleAssistant, Blocks: []model.Block{
			model.ToolInvocationBlock{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		&model.Message{Role: model.RoleUser, Blocks: []model.Block{
			model.ToolResultBlock{RefID: "call_1", Payload: "hi"},
		}},
	)

	llm := NewOpenAIClient(srv.URL, ClientConfig{Model: "gpt-test"})
	_, final, err := collect(t, llm, context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StopEndTurn, final.StopReason)

	// system, user, assistant w/ tool_calls, tool.
	require.Len(t, gotBody.Messages, 4)
	assistant := gotBody.Messages[2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	toolMsg := gotBody.Messages[3]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "hi", toolMsg.Content)
}

func TestGeminiStream(t *testing.T) {
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "alt=sse")
		assert.Contains(t, r.URL.RawQuery, "key=g-key")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		frames := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"4"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":3}}`,
		}
		for _, f := range frames {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
	}))
	defer srv.Close()

	llm := NewGeminiClient(srv.URL, ClientConfig{Model: "gemini-test", APIKey: "g-key"})
	_, final, err := collect(t, llm, context.Background(), basicRequest())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, "4", final.Text)
	assert.Equal(t, model.StopEndTurn, final.StopReason)
	assert.Equal(t, model.Usage{InputTokens: 8, OutputTokens: 3}, final.Usage)

	require.NotNil(t, gotBody.SystemInstruction)
	assert.Equal(t, "You are helpful", gotBody.SystemInstruction.Parts[0].Text)
	require.Len(t, gotBody.Contents, 1)
	assert.Equal(t, "user", gotBody.Contents[0].Role)
}

func TestGeminiFunctionCallAndResponse(t *testing.T) {
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		frames := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"echo","args":{"text":"hi"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`,
		}
		for _, f := range frames {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
	}))
	defer srv.Close()

	req := basicRequest()
	req.Messages = append(req.Messages,
		&model.Message{Role: model.RoleAssistant, Blocks: []model.Block{
			model.ToolInvocationBlock{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		&model.Message{Role: model.RoleUser, Blocks: []model.Block{
			model.ToolResultBlock{RefID: "c1", Payload: "hi"},
		}},
	)

	llm := NewGeminiClient(srv.URL, ClientConfig{Model: "gemini-test", APIKey: "k"})
	_, final, err := collect(t, llm, context.Background(), req)
	require.NoError(t, err)

	// STOP with calls present is inferred as tool use.
	assert.Equal(t, model.StopToolUse, final.StopReason)
	require.Len(t, final.ToolCalls, 1)
	assert.NotEmpty(t, final.ToolCalls[0].ID, "gemini ids are synthesized")

	// History replay: functionCall on the model turn, functionResponse
	// keyed by function name on the user turn.
	require.Len(t, gotBody.Contents, 3)
	assert.NotNil(t, gotBody.Contents[1].Parts[0].FunctionCall)
	fr := gotBody.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "echo", fr.Name)
}

func TestOllamaStream(t *testing.T) {
	var gotBody ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		records := []string{
			`{"message":{"role":"assistant","content":"The answer "},"done":false}`,
			`{"message":{"role":"assistant","content":"is 4"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":5}`,
		}
		for _, rec := range records {
			_, _ = io.WriteString(w, rec+"\n")
		}
	}))
	defer srv.Close()

	llm := NewOllamaClient(srv.URL, ClientConfig{Model: "llama-test"})
	chunks, final, err := collect(t, llm, context.Background(), basicRequest())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, "The answer is 4", final.Text)
	assert.Equal(t, model.StopEndTurn, final.StopReason)
	assert.Equal(t, model.Usage{InputTokens: 9, OutputTokens: 5}, final.Usage)
	assert.Len(t, chunks, 3)

	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.True(t, gotBody.Stream)
}

func TestOllamaInferredToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := []string{
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"echo","arguments":{"text":"hi"}}}]},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`,
		}
		for _, rec := range records {
			_, _ = io.WriteString(w, rec+"\n")
		}
	}))
	defer srv.Close()

	llm := NewOllamaClient(srv.URL, ClientConfig{Model: "llama-test"})
	_, final, err := collect(t, llm, context.Background(), basicRequest())
	require.NoError(t, err)

	assert.Equal(t, model.StopToolUse, final.StopReason, "any tool call present infers tool_use")
	require.Len(t, final.ToolCalls, 1)
	assert.NotEmpty(t, final.ToolCalls[0].ID)
}

func TestStreamRetryOn429EmitsObserver(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		for _, f := range []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"4"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`,
			`{"type":"message_stop"}`,
		} {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
	}))
	defer srv.Close()

	var retries []time.Duration
	ctx := httpclient.ContextWithOnRetry(context.Background(), func(attempt int, delay time.Duration, reason string) {
		retries = append(retries, delay)
		assert.Equal(t, "HTTP 429", reason)
	})

	llm := NewAnthropicClient(srv.URL, ClientConfig{Model: "claude-test", APIKey: "k", RetryBaseDelay: time.Millisecond})
	_, final, err := collect(t, llm, ctx, basicRequest())
	require.NoError(t, err)

	require.Len(t, retries, 1)
	assert.GreaterOrEqual(t, retries[0], 2*time.Second, "Retry-After floors the delay")
	// Usage reflects only the successful call.
	assert.Equal(t, model.Usage{InputTokens: 5, OutputTokens: 1}, final.Usage)
}

func TestStreamNonRetryableStatusFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	llm := NewAnthropicClient(srv.URL, ClientConfig{Model: "claude-test", APIKey: "bad"})
	_, _, err := collect(t, llm, context.Background(), basicRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestEstimator(t *testing.T) {
	e := NewEstimator("gpt-4o")
	assert.Greater(t, e.Count("hello world, this is a token count test"), 0)

	req := basicRequest()
	req.Tools = []model.ToolDefinition{{Name: "echo", Description: "echoes text back", Parameters: map[string]any{"type": "object"}}}
	full := e.CountRequest(req)
	assert.Greater(t, full, e.Count(req.System))

	// Nil estimator degrades to chars/4.
	var degraded *Estimator
	assert.Equal(t, 10, degraded.Count("0123456789012345678901234567890123456789"))
}
