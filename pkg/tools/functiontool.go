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

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FunctionTool adapts a typed-args Go function into a Tool. The JSON
// schema is reflected from the args struct's json and jsonschema tags:
//
//	type Args struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"default=10,minimum=1"`
//	}
type FunctionTool[T any] struct {
	name        string
	description string
	profile     Profile
	schema      map[string]any
	fn          func(ctx context.Context, ec *ExecContext, args T) (map[string]any, error)
}

// NewFunction builds a FunctionTool, reflecting the schema once.
func NewFunction[T any](name, description string, profile Profile, fn func(ctx context.Context, ec *ExecContext, args T) (map[string]any, error)) (*FunctionTool[T], error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	schema, err := reflectSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("reflecting schema for %s: %w", name, err)
	}
	return &FunctionTool[T]{
		name:        name,
		description: description,
		profile:     profile,
		schema:      schema,
		fn:          fn,
	}, nil
}

// MustFunction panics on schema reflection failure, for package-level
// built-in declarations.
func MustFunction[T any](name, description string, profile Profile, fn func(ctx context.Context, ec *ExecContext, args T) (map[string]any, error)) *FunctionTool[T] {
	t, err := NewFunction(name, description, profile, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FunctionTool[T]) Name() string           { return t.name }
func (t *FunctionTool[T]) Description() string    { return t.description }
func (t *FunctionTool[T]) Schema() map[string]any { return t.schema }
func (t *FunctionTool[T]) Profile() Profile       { return t.profile }

func (t *FunctionTool[T]) Call(ctx context.Context, ec *ExecContext, args map[string]any) (map[string]any, error) {
	var typed T
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	return t.fn(ctx, ec, typed)
}

// reflectSchema generates the parameters schema from the args struct.
func reflectSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")

	if out["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": out["properties"],
		}
		if required, ok := out["required"]; ok {
			result["required"] = required
		}
		if addProps, ok := out["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}
		return result, nil
	}
	return out, nil
}
