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

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists the journal through database/sql. Rows are only
// inserted and the single reversed flag flipped; nothing is deleted.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createJournalSQL = `
CREATE TABLE IF NOT EXISTS journal_entries (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    action_type VARCHAR(32) NOT NULL,
    before_json TEXT,
    after_json TEXT,
    reversible BOOLEAN NOT NULL DEFAULT FALSE,
    reversed BOOLEAN NOT NULL DEFAULT FALSE,
    reversal_of VARCHAR(64),
    ts TIMESTAMP NOT NULL,
    actor VARCHAR(255)
)`

const createJournalSessionIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_journal_session ON journal_entries(session_id, ts)`

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createJournalSQL, createJournalSessionIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("initializing journal schema: %w", err)
		}
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

func encodeSnapshot(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return string(data), nil
}

func (s *SQLStore) Append(ctx context.Context, e *Entry) error {
	before, err := encodeSnapshot(e.Before)
	if err != nil {
		return err
	}
	after, err := encodeSnapshot(e.After)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO journal_entries (id, session_id, agent_id, tool_name, action_type,
		                             before_json, after_json, reversible, reversed, reversal_of, ts, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.SessionID, e.AgentID, e.ToolName, string(e.ActionType),
		before, after, e.Reversible, e.Reversed, nullIfEmpty(e.ReversalOf), e.Timestamp, e.Actor)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, session_id, agent_id, tool_name, action_type,
		       before_json, after_json, reversible, reversed, reversal_of, ts, actor
		FROM journal_entries WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		before     sql.NullString
		after      sql.NullString
		reversalOf sql.NullString
		actor      sql.NullString
	)
	err := row.Scan(&e.ID, &e.SessionID, &e.AgentID, &e.ToolName, (*string)(&e.ActionType),
		&before, &after, &e.Reversible, &e.Reversed, &reversalOf, &e.Timestamp, &actor)
	if err != nil {
		return nil, err
	}
	e.ReversalOf = reversalOf.String
	e.Actor = actor.String
	if before.Valid {
		if err := json.Unmarshal([]byte(before.String), &e.Before); err != nil {
			return nil, fmt.Errorf("decoding before snapshot: %w", err)
		}
	}
	if after.Valid {
		if err := json.Unmarshal([]byte(after.String), &e.After); err != nil {
			return nil, fmt.Errorf("decoding after snapshot: %w", err)
		}
	}
	return &e, nil
}

func (s *SQLStore) MarkReversed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE journal_entries SET reversed = TRUE WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("marking entry reversed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	query := `
		SELECT id, session_id, agent_id, tool_name, action_type,
		       before_json, after_json, reversible, reversed, reversal_of, ts, actor
		FROM journal_entries WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, f.ToolName)
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since)
	}
	query += " ORDER BY ts, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
