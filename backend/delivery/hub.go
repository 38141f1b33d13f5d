// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/efchatnet/efmsg/backend/metrics"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one live connection of a user. Outbound payloads are queued on a
// bounded buffer that the transport drains in order.
type Session struct {
	id     string
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Outbound is drained by the transport writer.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Push queues payload, waiting at most until ctx is done for buffer space.
func (s *Session) Push(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// PresenceListener hears when a user gets their first session on this node
// and when their last one goes away.
type PresenceListener interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// Hub keeps the live sessions of this node, keyed by user.
type Hub struct {
	// presence orders session changes together with their listener
	// callbacks, so a listener sees online and offline in the order the
	// session map changed.
	presence sync.Mutex

	mu       sync.RWMutex
	sessions map[string]map[string]*Session
	listener PresenceListener
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[string]*Session)}
}

func (h *Hub) SetPresenceListener(l PresenceListener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

func (h *Hub) Register(s *Session) {
	h.presence.Lock()
	defer h.presence.Unlock()

	h.mu.Lock()
	byID, ok := h.sessions[s.userID]
	if !ok {
		byID = make(map[string]*Session)
		h.sessions[s.userID] = byID
	}
	byID[s.id] = s
	first := len(byID) == 1
	l := h.listener
	h.mu.Unlock()

	metrics.LiveSessions.Inc()
	log.Debug("Session registered", "user", s.userID, "session", s.id)
	if first && l != nil {
		l.UserOnline(s.userID)
	}
}

// Unregister removes and closes the session. Unknown sessions are ignored.
func (h *Hub) Unregister(s *Session) {
	h.presence.Lock()
	defer h.presence.Unlock()

	h.mu.Lock()
	byID, ok := h.sessions[s.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := byID[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(byID, s.id)
	last := len(byID) == 0
	if last {
		delete(h.sessions, s.userID)
	}
	l := h.listener
	h.mu.Unlock()

	s.Close()
	metrics.LiveSessions.Dec()
	log.Debug("Session unregistered", "user", s.userID, "session", s.id)
	if last && l != nil {
		l.UserOffline(s.userID)
	}
}

// Sessions returns a snapshot of userID's sessions ordered by id.
func (h *Hub) Sessions(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byID := h.sessions[userID]
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// Users returns every user with at least one session on this node.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions))
	for u := range h.sessions {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Close unregisters every session.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Session
	for _, byID := range h.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.Unregister(s)
	}
}
