package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strand/pkg/agent"
	"github.com/kadirpekel/strand/pkg/approval"
	"github.com/kadirpekel/strand/pkg/auth"
	"github.com/kadirpekel/strand/pkg/events"
	"github.com/kadirpekel/strand/pkg/httpclient"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/session"
	"github.com/kadirpekel/strand/pkg/supervisor"
	"github.com/kadirpekel/strand/pkg/tools"
)

// stubLLM answers with one text completion. A non-nil gate delays the
// stream until released, and block holds the call open until cancel.
type stubLLM struct {
	text  string
	gate  chan struct{}
	block bool
}

func (s *stubLLM) Name() string { return "stub" }
func (s *stubLLM) Close() error { return nil }

func (s *stubLLM) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		if s.block {
			<-ctx.Done()
			yield(nil, ctx.Err())
			return
		}
		if !yield(&model.Chunk{Type: model.ChunkText, Text: s.text}, nil) {
			return
		}
		yield(&model.Chunk{Type: model.ChunkFinal, Final: &model.Completion{
			Text: s.text, StopReason: model.StopEndTurn,
			Usage: model.Usage{InputTokens: 8, OutputTokens: 3},
		}}, nil)
	}
}

type fixture struct {
	ts        *httptest.Server
	sv        *supervisor.Supervisor
	store     *session.MemoryStore
	approvals *approval.Manager
}

func newFixture(t *testing.T, llm model.LLM, deps func(*Deps)) *fixture {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))

	store := session.NewMemoryStore()
	hub := events.NewHub(64)
	loop, err := agent.New(agent.Deps{
		Store: store,
		Hub:   hub,
		NewLLM: func(sc session.Config, onRetry httpclient.OnRetry) (model.LLM, error) {
			return llm, nil
		},
		Executor: tools.NewExecutor(reg, nil, nil, nil, nil),
	})
	require.NoError(t, err)

	sv, err := supervisor.New(store, hub, loop, supervisor.Config{})
	require.NoError(t, err)
	require.NoError(t, sv.Start(context.Background()))
	t.Cleanup(sv.Shutdown)

	approvals := approval.NewManager()
	d := Deps{
		Supervisor: sv,
		Approvals:  approvals,
		Agents: []AgentInfo{
			{Name: "assistant", Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
	}
	if deps != nil {
		deps(&d)
	}

	srv, err := New(Config{}, d)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, sv: sv, store: store, approvals: approvals}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, buf.Bytes()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func (f *fixture) waitForState(t *testing.T, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.store.LoadSession(context.Background(), id)
		return err == nil && s.State == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &stubLLM{text: "hi"}, nil)

	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestSpawnAndInspect(t *testing.T) {
	f := newFixture(t, &stubLLM{text: "done"}, nil)

	resp, body := f.post(t, "/v1/sessions", spawnRequest{AgentID: "assistant", Input: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	f.waitForState(t, id, session.StateCompleted)

	resp, raw := f.get(t, "/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess session.Session
	require.NoError(t, json.Unmarshal(raw, &sess))
	assert.Equal(t, session.StateCompleted, sess.State)
	assert.Equal(t, "assistant", sess.AgentID)

	resp, raw = f.get(t, "/v1/sessions/"+id+"/messages")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []*model.Message
	require.NoError(t, json.Unmarshal(raw, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.Equal(t, "done", msgs[1].Text())
}

func TestSpawnValidation(t *testing.T) {
	f := newFixture(t, &stubLLM{}, nil)

	resp, _ := f.post(t, "/v1/sessions", spawnRequest{Input: "no agent"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/sessions", spawnRequest{AgentID: "assistant"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, &stubLLM{text: "x"}, nil)

	resp, raw := f.get(t, "/v1/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))

	rp, body := f.post(t, "/v1/sessions", spawnRequest{AgentID: "assistant", Input: "go"})
	require.Equal(t, http.StatusCreated, rp.StatusCode)
	f.waitForState(t, body["id"].(string), session.StateCompleted)

	resp, raw = f.get(t, "/v1/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*session.Session
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list, 1)
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t, &stubLLM{}, nil)

	resp, _ := f.get(t, "/v1/sessions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/v1/sessions/nope/messages")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.post(t, "/v1/sessions/nope/cancel", cancelRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelLifecycle(t *testing.T) {
	f := newFixture(t, &stubLLM{block: true}, nil)

	_, body := f.post(t, "/v1/sessions", spawnRequest{AgentID: "assistant", Input: "never"})
	id := body["id"].(string)
	f.waitForState(t, id, session.StateRunning)

	resp, _ := f.post(t, "/v1/sessions/"+id+"/cancel", cancelRequest{Reason: "test stop"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.waitForState(t, id, session.StateCancelled)

	// Terminal sessions cannot resume.
	resp, _ = f.post(t, "/v1/sessions/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &stubLLM{text: "streamed", gate: gate}, nil)

	_, body := f.post(t, "/v1/sessions", spawnRequest{AgentID: "assistant", Input: "go"})
	id := body["id"].(string)

	resp, err := http.Get(f.ts.URL + "/v1/sessions/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Subscriber attached; let the model speak.
	close(gate)

	var sawText, sawEnd bool
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "{}" {
			continue
		}
		ev, err := model.DecodeEvent([]byte(payload))
		require.NoError(t, err)
		switch e := ev.(type) {
		case model.TextDelta:
			sawText = true
			assert.Equal(t, "streamed", e.Text)
		case model.StepEnd:
			assert.Equal(t, model.StopEndTurn, e.StopReason)
			sawEnd = true
		}
		if sawEnd {
			break
		}
	}
	assert.True(t, sawText, "no text delta on stream")
	assert.True(t, sawEnd, "no terminal step end on stream")
}

func TestEventsUnknownSession(t *testing.T) {
	f := newFixture(t, &stubLLM{}, nil)
	resp, _ := f.get(t, "/v1/sessions/ghost/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprovalEndpoints(t *testing.T) {
	f := newFixture(t, &stubLLM{}, nil)

	resp, raw := f.get(t, "/v1/approvals")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))

	// Decision on a request nobody created.
	resp, _ = f.post(t, "/v1/approvals/ghost/decision",
		decisionRequest{Approver: "ops", Approved: true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A real pending request shows up and takes a decision.
	req, waiter, err := f.approvals.Create("s-1", "assistant",
		model.ToolCall{ID: "c1", Name: "write_file"},
		approval.Spec{Approvers: []string{"ops"}, Policy: approval.PolicyAny, Timeout: time.Minute})
	require.NoError(t, err)

	resp, raw = f.get(t, "/v1/approvals?session_id=s-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []*approval.Request
	require.NoError(t, json.Unmarshal(raw, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	resp, _ = f.post(t, fmt.Sprintf("/v1/approvals/%s/decision", req.ID),
		decisionRequest{Approver: "ops", Approved: true, Comment: "fine"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	res := <-waiter
	assert.True(t, res.Approved)
}

func TestApprovalDecisionValidation(t *testing.T) {
	f := newFixture(t, &stubLLM{}, nil)
	resp, _ := f.post(t, "/v1/approvals/x/decision", decisionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentsEndpoint(t *testing.T) {
	f := newFixture(t, &stubLLM{}, nil)

	resp, raw := f.get(t, "/v1/agents")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []AgentInfo
	require.NoError(t, json.Unmarshal(raw, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "assistant", agents[0].Name)
}

func TestAuthProtectsAPI(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	validator, err := auth.NewValidator(context.Background(),
		auth.Config{Enabled: true, Secret: secret})
	require.NoError(t, err)

	f := newFixture(t, &stubLLM{}, func(d *Deps) {
		d.Validator = validator
	})

	// API rejects anonymous calls; health stays open.
	resp, _ := f.get(t, "/v1/agents")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tok, err := jwt.NewBuilder().
		Subject("ops").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, &stubLLM{}, func(d *Deps) {
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("strand_up 1\n"))
		})
	})

	resp, raw := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "strand_up 1")
}
