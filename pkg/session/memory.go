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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kadirpekel/strand/pkg/model"
)

// MemoryStore keeps everything in process. Message deltas are stored in
// their serialized form so replay goes through the exact same decode
// path as the SQL store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deltas   map[string][]memoryDelta
}

type memoryDelta struct {
	step int
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		deltas:   make(map[string][]memoryDelta),
	}
}

func (m *MemoryStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, step int, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message delta: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	m.deltas[sessionID] = append(m.deltas[sessionID], memoryDelta{step: step, data: data})
	return nil
}

func (m *MemoryStore) LoadMessages(ctx context.Context, sessionID string, fromStep int) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	var out []*model.Message
	for _, delta := range m.deltas[sessionID] {
		if delta.step < fromStep {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal(delta.data, &msg); err != nil {
			return nil, fmt.Errorf("decoding message delta: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (m *MemoryStore) EnumerateNonTerminal(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if !s.State.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}
