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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/strand/pkg/journal"
)

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path of the file to read"`
}

// ReadFileTool reads a file inside the sandbox, extracting plain text
// from PDF, DOCX and XLSX documents.
func ReadFileTool() Tool {
	return MustFunction("read_file", "Read a file and return its textual content. Supports plain text, PDF, DOCX and XLSX.",
		Profile{Risk: RiskLow, SideEffects: []SideEffect{EffectFilesystemRead}},
		func(ctx context.Context, ec *ExecContext, args readFileArgs) (map[string]any, error) {
			content, format, err := extractText(args.Path)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"content": content,
				"format":  format,
			}, nil
		})
}

func extractText(path string) (string, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		content, err := extractPDF(path)
		return content, "pdf", err
	case ".docx":
		content, err := extractDOCX(path)
		return content, "docx", err
	case ".xlsx":
		content, err := extractXLSX(path)
		return content, "xlsx", err
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), "text", nil
	}
}

func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

var docxTagRe = regexp.MustCompile(`<[^>]+>`)

func extractDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("opening docx: %w", err)
	}
	defer func() { _ = r.Close() }()

	// GetContent returns the raw document XML; paragraph boundaries
	// become newlines, remaining tags are stripped.
	content := r.Editable().GetContent()
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	content = docxTagRe.ReplaceAllString(content, "")
	return strings.TrimSpace(content), nil
}

func extractXLSX(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		fmt.Fprintf(&b, "# %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to write"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
}

// WriteFileTool writes a file inside the sandbox and registers a
// reversible journal entry restoring the previous content.
func WriteFileTool() Tool {
	return MustFunction("write_file", "Write content to a file, creating it if needed.",
		Profile{Risk: RiskMedium, SideEffects: []SideEffect{EffectFilesystemWrite}, Mutates: true},
		func(ctx context.Context, ec *ExecContext, args writeFileArgs) (map[string]any, error) {
			path := args.Path

			var before map[string]any
			action := journal.ActionCreate
			previous, readErr := os.ReadFile(path)
			existed := readErr == nil
			if existed {
				action = journal.ActionUpdate
				before = map[string]any{"content": string(previous)}
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating parent directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return nil, fmt.Errorf("writing file: %w", err)
			}

			ec.RecordMutation(Mutation{
				Action: action,
				Before: before,
				After:  map[string]any{"content": args.Content},
				Inverse: func(ctx context.Context) error {
					if !existed {
						return os.Remove(path)
					}
					return os.WriteFile(path, previous, 0o644)
				},
			})

			return map[string]any{
				"path":    path,
				"written": len(args.Content),
			}, nil
		})
}
