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

// Package journal records every mutating tool action in an append-only
// log. Entries that carry an inverse action can be rolled back; the
// rollback itself is recorded as a separate reversal entry, so the log
// is never rewritten.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/strand/pkg/logger"
)

var (
	ErrNotFound      = errors.New("journal entry not found")
	ErrNotReversible = errors.New("journal entry is not reversible")
)

// ActionType categorizes what a journaled action did.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionUpdate  ActionType = "update"
	ActionDelete  ActionType = "delete"
	ActionExecute ActionType = "execute"
	ActionReverse ActionType = "reverse"
)

// Entry is one journaled action. Reversed is only ever set on entries
// whose Reversible flag is true.
type Entry struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	AgentID    string         `json:"agent_id"`
	ToolName   string         `json:"tool_name"`
	ActionType ActionType     `json:"action_type"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Reversible bool           `json:"reversible"`
	Reversed   bool           `json:"reversed"`
	// ReversalOf links a reversal record back to the entry it undid.
	ReversalOf string    `json:"reversal_of,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
}

// Inverse is the action that undoes a reversible entry. The executor
// supplies it at record time; the journal invokes it on rollback.
type Inverse func(ctx context.Context) error

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	SessionID string
	AgentID   string
	ToolName  string
	Since     time.Time
	Limit     int
}

// Store is the journal persistence port.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	MarkReversed(ctx context.Context, id string) error
	List(ctx context.Context, f ListFilter) ([]*Entry, error)
}

// Journal wraps a store with id assignment, inverse bookkeeping, and
// rollback. Inverses are process-local closures; after a restart a
// reversible entry without its closure cannot be rolled back and
// Rollback reports ErrNotReversible.
type Journal struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	inverses map[string]Inverse
}

func New(store Store) *Journal {
	return &Journal{
		store:    store,
		inverses: make(map[string]Inverse),
		logger:   logger.For("journal"),
	}
}

// Record appends an entry, assigning id and timestamp. A non-nil inverse
// marks the entry reversible.
func (j *Journal) Record(ctx context.Context, e *Entry, inverse Inverse) (*Entry, error) {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	e.Reversible = inverse != nil
	e.Reversed = false

	if err := j.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("appending journal entry: %w", err)
	}
	if inverse != nil {
		j.mu.Lock()
		j.inverses[e.ID] = inverse
		j.mu.Unlock()
	}
	j.logger.Debug("journaled action",
		"entry_id", e.ID, "session_id", e.SessionID, "tool", e.ToolName,
		"action", string(e.ActionType), "reversible", e.Reversible)
	return e, nil
}

// Rollback invokes the inverse of a reversible entry, marks it reversed,
// and appends a reversal record. Rolling back an entry that is already
// reversed is a no-op.
func (j *Journal) Rollback(ctx context.Context, entryID string) error {
	entry, err := j.store.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Reversed {
		return nil
	}
	if !entry.Reversible {
		return fmt.Errorf("%w: %s", ErrNotReversible, entryID)
	}
	j.mu.Lock()
	inverse, ok := j.inverses[entryID]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s (inverse lost across restart)", ErrNotReversible, entryID)
	}

	if err := inverse(ctx); err != nil {
		return fmt.Errorf("executing inverse of %s: %w", entryID, err)
	}
	if err := j.store.MarkReversed(ctx, entryID); err != nil {
		return fmt.Errorf("marking entry reversed: %w", err)
	}
	j.mu.Lock()
	delete(j.inverses, entryID)
	j.mu.Unlock()

	reversal := &Entry{
		ID:         uuid.NewString(),
		SessionID:  entry.SessionID,
		AgentID:    entry.AgentID,
		ToolName:   entry.ToolName,
		ActionType: ActionReverse,
		ReversalOf: entryID,
		Timestamp:  time.Now().UTC(),
		Actor:      "system",
	}
	if err := j.store.Append(ctx, reversal); err != nil {
		return fmt.Errorf("appending reversal record: %w", err)
	}
	j.logger.Info("rolled back journaled action", "entry_id", entryID, "tool", entry.ToolName)
	return nil
}

// Get returns one entry by id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	return j.store.Get(ctx, id)
}

// List returns entries matching the filter, oldest first.
func (j *Journal) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	return j.store.List(ctx, f)
}
