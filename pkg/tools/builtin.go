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
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/strand/pkg/httpclient"
)

// RegisterBuiltins installs the standard tool set.
func RegisterBuiltins(reg *Registry) error {
	for _, t := range []Tool{
		EchoTool(),
		ExecuteCommandTool(),
		ReadFileTool(),
		WriteFileTool(),
		WebRequestTool(),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

// EchoTool returns its input, the canonical smoke-test tool.
func EchoTool() Tool {
	return MustFunction("echo", "Echo the given text back unchanged.",
		Profile{Risk: RiskLow},
		func(ctx context.Context, ec *ExecContext, args echoArgs) (map[string]any, error) {
			return map[string]any{"text": args.Text}, nil
		})
}

type executeCommandArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkDir string `json:"work_dir,omitempty" jsonschema:"description=Working directory"`
}

// ExecuteCommandTool runs a shell command. The command sanitizer gate
// has already vetted the command line before the handler sees it.
func ExecuteCommandTool() Tool {
	return MustFunction("execute_command", "Execute a shell command and return its output.",
		Profile{Risk: RiskHigh, SideEffects: []SideEffect{EffectProcess}, Mutates: true},
		func(ctx context.Context, ec *ExecContext, args executeCommandArgs) (map[string]any, error) {
			cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
			if args.WorkDir != "" {
				if ec.Sandbox != nil {
					if err := ec.Sandbox.CheckPath(args.WorkDir); err != nil {
						return nil, err
					}
				}
				cmd.Dir = args.WorkDir
			}

			output, err := cmd.CombinedOutput()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			exitCode := 0
			if err != nil {
				exitErr, isExit := err.(*exec.ExitError)
				if !isExit {
					return nil, fmt.Errorf("starting command: %w", err)
				}
				// Non-zero exit is a result, not a handler failure.
				exitCode = exitErr.ExitCode()
			}
			return map[string]any{
				"output":    string(output),
				"exit_code": exitCode,
			}, nil
		})
}

type webRequestArgs struct {
	URL     string            `json:"url" jsonschema:"required,description=URL to fetch"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method,default=GET"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers"`
}

// WebRequestTool fetches over HTTP through the retrying client. The
// network sandbox gate vetted the URL already.
func WebRequestTool() Tool {
	client := httpclient.New(
		httpclient.WithMaxAttempts(3),
		httpclient.WithRetryWindow(20*time.Second),
	)
	return MustFunction("web_request", "Perform an HTTP request and return status, headers and body.",
		Profile{Risk: RiskMedium, SideEffects: []SideEffect{EffectNetwork}},
		func(ctx context.Context, ec *ExecContext, args webRequestArgs) (map[string]any, error) {
			method := strings.ToUpper(args.Method)
			if method == "" {
				method = http.MethodGet
			}
			var body io.Reader
			if args.Body != "" {
				body = strings.NewReader(args.Body)
			}
			req, err := http.NewRequestWithContext(ctx, method, args.URL, body)
			if err != nil {
				return nil, fmt.Errorf("building request: %w", err)
			}
			for k, v := range args.Headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer func() { _ = resp.Body.Close() }()

			data, err := io.ReadAll(io.LimitReader(resp.Body, MaxOutputBytes))
			if err != nil {
				return nil, fmt.Errorf("reading response body: %w", err)
			}
			return map[string]any{
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
				"body":         string(data),
			}, nil
		})
}
