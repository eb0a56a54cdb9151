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
	"errors"

	"github.com/kadirpekel/strand/pkg/model"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store is the persistence port the core consumes. AppendMessage must be
// atomic: a message delta is either fully persisted or absent, and
// replaying all deltas in step order reconstructs the conversation byte
// for byte.
type Store interface {
	LoadSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error

	// AppendMessage persists one conversation delta produced at the
	// given step.
	AppendMessage(ctx context.Context, sessionID string, step int, msg *model.Message) error

	// LoadMessages replays persisted deltas from the given step
	// (inclusive) in append order.
	LoadMessages(ctx context.Context, sessionID string, fromStep int) ([]*model.Message, error)

	// EnumerateNonTerminal lists sessions eligible for startup recovery.
	EnumerateNonTerminal(ctx context.Context) ([]*Session, error)
}
