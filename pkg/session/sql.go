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

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/strand/pkg/model"
)

// SQLStore persists sessions and message deltas through database/sql.
// Concurrency control is database-level: AppendMessage runs in a
// transaction, so a delta is either fully committed or absent.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(255) NOT NULL,
    org_id VARCHAR(255),
    config_json TEXT NOT NULL,
    state VARCHAR(32) NOT NULL,
    state_reason TEXT,
    step INTEGER NOT NULL DEFAULT 0,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_heartbeat TIMESTAMP NOT NULL,
    terminal_at TIMESTAMP
)`

const createSessionsStateIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
    session_id VARCHAR(64) NOT NULL,
    seq INTEGER NOT NULL,
    step INTEGER NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, seq)
)`

const createMessagesStepIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_step ON session_messages(session_id, step)`

// NewSQLStore wraps an open database handle. Supported dialects:
// sqlite, postgres, mysql.
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
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{
		createSessionsSQL,
		createSessionsStateIndexSQL,
		createMessagesSQL,
		createMessagesStepIndexSQL,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the dialect's shape.
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

func (s *SQLStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, agent_id, org_id, config_json, state, state_reason, step,
		       input_tokens, output_tokens, cost_total, created_at, last_heartbeat, terminal_at
		FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		out         Session
		orgID       sql.NullString
		stateReason sql.NullString
		configJSON  string
		terminalAt  sql.NullTime
	)
	err := row.Scan(&out.ID, &out.AgentID, &orgID, &configJSON, (*string)(&out.State), &stateReason,
		&out.Step, &out.Usage.InputTokens, &out.Usage.OutputTokens, &out.CostTotal,
		&out.CreatedAt, &out.LastHeartbeat, &terminalAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	out.OrgID = orgID.String
	out.StateReason = stateReason.String
	if terminalAt.Valid {
		at := terminalAt.Time
		out.TerminalAt = &at
	}
	if err := json.Unmarshal([]byte(configJSON), &out.Config); err != nil {
		return nil, fmt.Errorf("decoding session config: %w", err)
	}
	return &out, nil
}

func (s *SQLStore) SaveSession(ctx context.Context, sess *Session) error {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("encoding session config: %w", err)
	}

	var terminalAt any
	if sess.TerminalAt != nil {
		terminalAt = *sess.TerminalAt
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `
		INSERT INTO sessions (id, agent_id, org_id, config_json, state, state_reason, step,
		                      input_tokens, output_tokens, cost_total, created_at, last_heartbeat, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    state = VALUES(state), state_reason = VALUES(state_reason), step = VALUES(step),
		    input_tokens = VALUES(input_tokens), output_tokens = VALUES(output_tokens),
		    cost_total = VALUES(cost_total), last_heartbeat = VALUES(last_heartbeat),
		    terminal_at = VALUES(terminal_at)`
	default:
		query = `
		INSERT INTO sessions (id, agent_id, org_id, config_json, state, state_reason, step,
		                      input_tokens, output_tokens, cost_total, created_at, last_heartbeat, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		    state = excluded.state, state_reason = excluded.state_reason, step = excluded.step,
		    input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
		    cost_total = excluded.cost_total, last_heartbeat = excluded.last_heartbeat,
		    terminal_at = excluded.terminal_at`
	}

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		sess.ID, sess.AgentID, sess.OrgID, string(configJSON), string(sess.State), sess.StateReason,
		sess.Step, sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.CostTotal,
		sess.CreatedAt, sess.LastHeartbeat, terminalAt)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, step int, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message delta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?`), sessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("allocating sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO session_messages (session_id, seq, step, message_json, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		sessionID, seq, step, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting message delta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message delta: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadMessages(ctx context.Context, sessionID string, fromStep int) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT message_json FROM session_messages
		WHERE session_id = ? AND step >= ?
		ORDER BY seq`), sessionID, fromStep)
	if err != nil {
		return nil, fmt.Errorf("querying message deltas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning message delta: %w", err)
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("decoding message delta: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) EnumerateNonTerminal(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, agent_id, org_id, config_json, state, state_reason, step,
		       input_tokens, output_tokens, cost_total, created_at, last_heartbeat, terminal_at
		FROM sessions
		WHERE state NOT IN (?, ?, ?)`),
		string(StateCompleted), string(StateFailed), string(StateCancelled))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the underlying handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
