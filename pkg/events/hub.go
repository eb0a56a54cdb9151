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

// Package events implements the per-session stream-event fan-out. The
// reasoning loop publishes; any number of subscribers consume through
// bounded buffers. A subscriber that falls behind is dropped with a
// terminal Lag notice — the loop is never back-pressured.
package events

import (
	"sync"

	"github.com/kadirpekel/strand/pkg/model"
)

const DefaultBufferSize = 256

// Hub owns the subscriber sets, keyed by session id.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscriber]struct{}
	bufferSize int
}

// Subscriber is one consumer of a session's event stream. Its channel
// closes after a terminal event, a lag drop, or Close. The mutex
// serializes sends with the close, so a publisher holding a pre-close
// snapshot can never send into a closed channel.
type Subscriber struct {
	hub       *Hub
	sessionID string

	mu     sync.Mutex
	closed bool
	ch     chan model.StreamEvent
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[*Subscriber]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a consumer for a session. Subscribing before the
// session produces anything is valid; so is subscribing mid-stream.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	// One extra slot keeps room for the Lag notice on overflow.
	sub := &Subscriber{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan model.StreamEvent, h.bufferSize+1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

// Events is the subscriber's receive side.
func (s *Subscriber) Events() <-chan model.StreamEvent {
	return s.ch
}

// Close detaches the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.hub.remove(s.sessionID, s)
	s.close()
}

// send delivers ev unless the buffer already holds limit events. It
// reports false on overflow; a closed subscriber swallows the event.
func (s *Subscriber) send(ev model.StreamEvent, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if len(s.ch) >= limit {
		return false
	}
	// The channel holds limit+1 slots, so this never blocks.
	s.ch <- ev
	return true
}

// dropWithLag queues the Lag notice in the reserved slot and closes.
func (s *Subscriber) dropWithLag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- model.Lag{Dropped: 1}:
	default:
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (h *Hub) remove(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Publish delivers ev to every subscriber of the session without ever
// blocking. A subscriber whose buffer is full at capacity is detached:
// it receives a Lag event and its channel closes.
func (h *Hub) Publish(sessionID string, ev model.StreamEvent) {
	h.mu.RLock()
	set := h.subs[sessionID]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.send(ev, h.bufferSize) {
			h.remove(sessionID, sub)
			sub.dropWithLag()
		}
	}
}

// CloseSession detaches and closes every subscriber of a session, used
// after the terminal StepEnd has been published.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	set := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// SubscriberCount reports the live subscriber count for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
