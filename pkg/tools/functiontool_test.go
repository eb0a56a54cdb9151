package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strand/pkg/model"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"default=10,minimum=1"`
}

func TestFunctionToolSchemaReflection(t *testing.T) {
	tool, err := NewFunction("search", "Search things.",
		Profile{Risk: RiskLow},
		func(ctx context.Context, ec *ExecContext, args searchArgs) (map[string]any, error) {
			return map[string]any{"query": args.Query, "limit": args.Limit}, nil
		})
	require.NoError(t, err)

	schema := tool.Schema()
	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, props, "query")
	require.Contains(t, props, "limit")

	query := props["query"].(map[string]any)
	assert.Equal(t, "string", query["type"])
	assert.Equal(t, "Search query", query["description"])

	limit := props["limit"].(map[string]any)
	assert.Equal(t, "integer", limit["type"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"query"}, required)
}

func TestFunctionToolCallDecodesArgs(t *testing.T) {
	tool := MustFunction("search", "Search things.",
		Profile{Risk: RiskLow},
		func(ctx context.Context, ec *ExecContext, args searchArgs) (map[string]any, error) {
			return map[string]any{"query": args.Query, "limit": args.Limit}, nil
		})

	out, err := tool.Call(context.Background(), execCtx(), map[string]any{
		"query": "golang", "limit": float64(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "golang", out["query"])
	assert.Equal(t, 5, out["limit"])

	// Structurally wrong arguments fail decoding.
	_, err = tool.Call(context.Background(), execCtx(), map[string]any{
		"query": []any{"not", "a", "string"},
	})
	assert.Error(t, err)
}

func TestNewFunctionRequiresName(t *testing.T) {
	_, err := NewFunction("", "nameless",
		Profile{Risk: RiskLow},
		func(ctx context.Context, ec *ExecContext, args noArgs) (map[string]any, error) {
			return nil, nil
		})
	assert.Error(t, err)
}

func TestValidateArgs(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"flag":  map[string]any{"type": "boolean"},
			"items": map[string]any{"type": "array"},
		},
		"required": []any{"name"},
	}

	assert.NoError(t, validateArgs(schema, map[string]any{"name": "x"}))
	assert.NoError(t, validateArgs(schema, map[string]any{
		"name": "x", "count": float64(3), "ratio": 0.5, "flag": true, "items": []any{1},
	}))
	assert.NoError(t, validateArgs(nil, map[string]any{"anything": 1}))

	assert.Error(t, validateArgs(schema, map[string]any{}))
	assert.Error(t, validateArgs(schema, map[string]any{"name": 1}))
	assert.Error(t, validateArgs(schema, map[string]any{"name": "x", "count": 3.5}))
	assert.Error(t, validateArgs(schema, map[string]any{"name": "x", "flag": "yes"}))

	// Arguments without a schema entry pass through.
	assert.NoError(t, validateArgs(schema, map[string]any{"name": "x", "extra": 42}))
}

func TestReadAndWriteFileTools(t *testing.T) {
	dir := t.TempDir()
	ec := execCtx()
	ec.Sandbox = &Sandbox{AllowedDirs: []string{dir}}
	e := NewExecutor(newTestRegistry(t, ReadFileTool(), WriteFileTool()), nil, nil, nil, nil)
	ctx := context.Background()

	path := dir + "/greeting.txt"
	out, err := e.Execute(ctx, ec, model.ToolCall{
		Name: "write_file", Arguments: map[string]any{"path": path, "content": "hello"},
	})
	require.NoError(t, err)
	require.False(t, out.IsError)
	assert.Equal(t, 5, out.Payload.(map[string]any)["written"])

	out, err = e.Execute(ctx, ec, model.ToolCall{
		Name: "read_file", Arguments: map[string]any{"path": path},
	})
	require.NoError(t, err)
	require.False(t, out.IsError)
	payload := out.Payload.(map[string]any)
	assert.Equal(t, "hello", payload["content"])
	assert.Equal(t, "text", payload["format"])

	// Missing files are handler failures, not crashes.
	out, err = e.Execute(ctx, ec, model.ToolCall{
		Name: "read_file", Arguments: map[string]any{"path": dir + "/absent.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, CodeHandlerFailed, errorCode(t, out))
}
