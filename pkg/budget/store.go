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

package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps budget states in process.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (m *MemoryStore) Get(ctx context.Context, agentID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[agentID]
	if !ok {
		return &State{AgentID: agentID}, nil
	}
	cp := *s
	cp.NotifiedAt = append([]float64(nil), s.NotifiedAt...)
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.NotifiedAt = append([]float64(nil), s.NotifiedAt...)
	m.states[s.AgentID] = &cp
	return nil
}

// SQLStore persists budget states as one row per agent.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createBudgetsSQL = `
CREATE TABLE IF NOT EXISTS budget_states (
    agent_id VARCHAR(255) PRIMARY KEY,
    cap_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    notified_json TEXT,
    updated_at TIMESTAMP NOT NULL
)`

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite3":
		dialect = "sqlite"
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createBudgetsSQL); err != nil {
		return nil, fmt.Errorf("initializing budget schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, agentID string) (*State, error) {
	var (
		out      State
		notified sql.NullString
	)
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT agent_id, cap_amount, cost_total, input_tokens, output_tokens, notified_json, updated_at
		FROM budget_states WHERE agent_id = ?`), agentID)
	err := row.Scan(&out.AgentID, &out.Cap, &out.CostTotal,
		&out.Usage.InputTokens, &out.Usage.OutputTokens, &notified, &out.UpdatedAt)
	if err == sql.ErrNoRows {
		return &State{AgentID: agentID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning budget state: %w", err)
	}
	if notified.Valid {
		if err := json.Unmarshal([]byte(notified.String), &out.NotifiedAt); err != nil {
			return nil, fmt.Errorf("decoding notified thresholds: %w", err)
		}
	}
	return &out, nil
}

func (s *SQLStore) Update(ctx context.Context, state *State) error {
	notified, err := json.Marshal(state.NotifiedAt)
	if err != nil {
		return fmt.Errorf("encoding notified thresholds: %w", err)
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `
		INSERT INTO budget_states (agent_id, cap_amount, cost_total, input_tokens, output_tokens, notified_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    cap_amount = VALUES(cap_amount), cost_total = VALUES(cost_total),
		    input_tokens = VALUES(input_tokens), output_tokens = VALUES(output_tokens),
		    notified_json = VALUES(notified_json), updated_at = VALUES(updated_at)`
	default:
		query = `
		INSERT INTO budget_states (agent_id, cap_amount, cost_total, input_tokens, output_tokens, notified_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
		    cap_amount = excluded.cap_amount, cost_total = excluded.cost_total,
		    input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
		    notified_json = excluded.notified_json, updated_at = excluded.updated_at`
	}

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		state.AgentID, state.Cap, state.CostTotal,
		state.Usage.InputTokens, state.Usage.OutputTokens, string(notified), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving budget state: %w", err)
	}
	return nil
}
