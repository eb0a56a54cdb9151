// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dlp scans tool arguments for sensitive data before they reach
// a handler. Rules either block the call, redact the match in place, or
// record a violation and let the call proceed. A scan that cannot run
// fails closed.
package dlp

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/kadirpekel/strand/pkg/logger"
)

// RuleAction is what a matching rule does.
type RuleAction string

const (
	ActionBlock  RuleAction = "block"
	ActionRedact RuleAction = "redact"
	ActionAlert  RuleAction = "alert"
)

const redactedPlaceholder = "[REDACTED]"

// Rule is one scan pattern with its action.
type Rule struct {
	Name    string     `yaml:"name" json:"name"`
	Pattern string     `yaml:"pattern" json:"pattern"`
	Action  RuleAction `yaml:"action" json:"action"`
}

// Violation records one rule match.
type Violation struct {
	Rule   string
	Action RuleAction
	// Field is the dotted path of the matched value.
	Field string
}

// Result is the scan verdict. When Blocked is false Arguments carries
// the (possibly redacted) values to pass onward.
type Result struct {
	Blocked    bool
	BlockedBy  string
	Arguments  map[string]any
	Violations []Violation
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Scanner applies an ordered rule set to string values inside tool
// arguments, recursing through nested maps and slices.
type Scanner struct {
	rules  []compiledRule
	logger *slog.Logger
}

func NewScanner(rules []Rule) (*Scanner, error) {
	s := &Scanner{logger: logger.For("dlp")}
	for _, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("dlp rule %q: pattern is required", r.Name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp rule %q: compiling pattern: %w", r.Name, err)
		}
		switch r.Action {
		case ActionBlock, ActionRedact, ActionAlert:
		default:
			return nil, fmt.Errorf("dlp rule %q: unknown action %q", r.Name, r.Action)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, re: re})
	}
	return s, nil
}

// Scan checks all string leaves of args. Block rules win over redact
// and alert; redaction rewrites a deep copy, never the input.
func (s *Scanner) Scan(args map[string]any) Result {
	res := Result{}
	scanned, blocked := s.scanValue("", args, &res)
	if blocked {
		res.Blocked = true
		return res
	}
	out, _ := scanned.(map[string]any)
	res.Arguments = out

	for _, v := range res.Violations {
		s.logger.Warn("dlp rule matched", "rule", v.Rule, "action", string(v.Action), "field", v.Field)
	}
	return res
}

func (s *Scanner) scanValue(path string, v any, res *Result) (any, bool) {
	switch val := v.(type) {
	case string:
		return s.scanString(path, val, res)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			scanned, blocked := s.scanValue(childPath, child, res)
			if blocked {
				return nil, true
			}
			out[k] = scanned
		}
		return out, false
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			scanned, blocked := s.scanValue(fmt.Sprintf("%s[%d]", path, i), child, res)
			if blocked {
				return nil, true
			}
			out[i] = scanned
		}
		return out, false
	default:
		return v, false
	}
}

func (s *Scanner) scanString(path, value string, res *Result) (any, bool) {
	for _, r := range s.rules {
		if !r.re.MatchString(value) {
			continue
		}
		switch r.Action {
		case ActionBlock:
			res.BlockedBy = r.Name
			res.Violations = append(res.Violations, Violation{Rule: r.Name, Action: r.Action, Field: path})
			s.logger.Warn("dlp blocked tool call", "rule", r.Name, "field", path)
			return nil, true
		case ActionRedact:
			value = r.re.ReplaceAllString(value, redactedPlaceholder)
			res.Violations = append(res.Violations, Violation{Rule: r.Name, Action: r.Action, Field: path})
		case ActionAlert:
			res.Violations = append(res.Violations, Violation{Rule: r.Name, Action: r.Action, Field: path})
		}
	}
	return value, false
}
