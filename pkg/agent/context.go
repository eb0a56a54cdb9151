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

package agent

import (
	"github.com/kadirpekel/strand/pkg/llms"
	"github.com/kadirpekel/strand/pkg/model"
	"github.com/kadirpekel/strand/pkg/session"
)

// assembleRequest builds the generation request for one step. When the
// estimated input exceeds the configured ceiling, the oldest messages
// are dropped first. Two things never drop: the system prompt, and any
// tool invocation whose result has not been persisted yet. A paired
// invocation and its result drop together so the wire conversation
// stays well formed.
func assembleRequest(cfg session.Config, messages []*model.Message, est *llms.Estimator) *model.Request {
	req := &model.Request{
		System:   cfg.SystemPrompt,
		Messages: messages,
		Options: model.GenerateOptions{
			MaxOutputTokens: cfg.MaxOutputTokens,
			Temperature:     cfg.Temperature,
			ReasoningEffort: cfg.ReasoningEffort,
		},
	}
	if cfg.ContextTokens <= 0 {
		return req
	}

	if est.CountRequest(req) <= cfg.ContextTokens {
		return req
	}
	req.Messages = truncate(messages, cfg, est)
	return req
}

func truncate(messages []*model.Message, cfg session.Config, est *llms.Estimator) []*model.Message {
	pending := make(map[string]bool)
	for _, inv := range model.PendingInvocations(messages) {
		pending[inv.ID] = true
	}

	// Map each invocation id to the index of the message holding its
	// result, so dropping an invocation drops its result too.
	resultIndex := make(map[string]int)
	for i, m := range messages {
		for _, tr := range m.ToolResults() {
			resultIndex[tr.RefID] = i
		}
	}

	budget := cfg.ContextTokens - est.Count(cfg.SystemPrompt)
	total := 0
	for _, m := range messages {
		total += est.CountMessage(m)
	}

	dropped := make(map[int]bool)
	for i, m := range messages {
		if total <= budget {
			break
		}
		if dropped[i] {
			continue
		}
		protected := false
		for _, inv := range m.ToolInvocations() {
			if pending[inv.ID] {
				protected = true
				break
			}
		}
		if protected {
			continue
		}
		dropped[i] = true
		total -= est.CountMessage(m)
		for _, inv := range m.ToolInvocations() {
			if j, ok := resultIndex[inv.ID]; ok && !dropped[j] {
				dropped[j] = true
				total -= est.CountMessage(messages[j])
			}
		}
	}

	kept := make([]*model.Message, 0, len(messages)-len(dropped))
	for i, m := range messages {
		if !dropped[i] {
			kept = append(kept, m)
		}
	}
	return kept
}
