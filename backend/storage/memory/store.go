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

// Package memory is an in-process Store. Transactions are serialised on a
// single mutex and roll back through an undo log.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

type memberKey struct {
	group string
	user  string
}

type Store struct {
	mu       sync.Mutex
	nextID   int64
	groups   map[string]*models.Group
	members  map[memberKey]*models.GroupMembership
	messages map[int64]*models.Message
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		groups:   make(map[string]*models.Group),
		members:  make(map[memberKey]*models.GroupMembership),
		messages: make(map[int64]*models.Message),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

func (s *Store) IsActiveMember(ctx context.Context, key models.ConversationKey, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActiveMember(key, userID), nil
}

func (s *Store) GetRole(ctx context.Context, groupID, userID string) (models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRole(groupID, userID)
}

func (s *Store) GetMembership(ctx context.Context, groupID, userID string) (*models.GroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMembership(groupID, userID)
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string) ([]models.GroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return nil, storage.ErrNotFound
	}
	var out []models.GroupMembership
	for k, m := range s.members {
		if k.group == groupID {
			out = append(out, *m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, q storage.ListQuery) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Message
	for _, m := range s.messages {
		if m.Conversation != q.Conversation {
			continue
		}
		if m.IsDeleted() && !q.IncludeDeleted {
			continue
		}
		if q.Until != nil && m.CreatedAt.After(*q.Until) {
			continue
		}
		if q.After != nil && !after(m, *q.After) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, m := range out {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *Store) UnreadCount(ctx context.Context, groupID, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := models.GroupKey(groupID)
	if err != nil {
		return 0, err
	}
	cutoff := since
	for _, m := range s.messages {
		if m.Conversation != key {
			continue
		}
		if _, acked := m.Read.ReadBy(userID); acked && m.CreatedAt.After(cutoff) {
			cutoff = m.CreatedAt
		}
	}
	n := 0
	for _, m := range s.messages {
		if m.Conversation != key || m.IsDeleted() || m.SenderID == userID || !m.CreatedAt.After(cutoff) {
			continue
		}
		if _, acked := m.Read.ReadBy(userID); !acked {
			n++
		}
	}
	return n, nil
}

func (s *Store) DirectUnreadCount(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if !m.Conversation.IsDirect() || m.IsDeleted() || m.Recipient() != userID {
			continue
		}
		if _, read := m.Read.ReadBy(userID); !read {
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeMessage(ctx context.Context, key models.ConversationKey, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Conversation != key {
		return storage.ErrNotFound
	}
	delete(s.messages, id)
	for _, other := range s.messages {
		if other.ReplyTo != nil && *other.ReplyTo == id {
			other.ReplyTo = nil
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) isActiveMember(key models.ConversationKey, userID string) bool {
	if key.IsDirect() {
		return key.Includes(userID)
	}
	return s.members[memberKey{key.GroupID, userID}].Active()
}

func (s *Store) getMembership(groupID, userID string) (*models.GroupMembership, error) {
	m, ok := s.members[memberKey{groupID, userID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) getRole(groupID, userID string) (models.Role, error) {
	m, ok := s.members[memberKey{groupID, userID}]
	if !ok {
		return "", storage.ErrNotFound
	}
	return m.Role, nil
}

func after(m *models.Message, c storage.Cursor) bool {
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.ID > c.ID
	}
	return m.CreatedAt.After(c.CreatedAt)
}

func less(a, b *models.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) IsActiveMember(ctx context.Context, key models.ConversationKey, userID string) (bool, error) {
	return t.s.isActiveMember(key, userID), nil
}

func (t *tx) GetRole(ctx context.Context, groupID, userID string) (models.Role, error) {
	return t.s.getRole(groupID, userID)
}

func (t *tx) GetMembership(ctx context.Context, groupID, userID string) (*models.GroupMembership, error) {
	return t.s.getMembership(groupID, userID)
}

// LockGroup only checks existence; the whole store is already serialised.
func (t *tx) LockGroup(ctx context.Context, groupID string) (*models.Group, error) {
	g, ok := t.s.groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (t *tx) InsertGroup(ctx context.Context, g *models.Group) error {
	if _, ok := t.s.groups[g.GroupID]; ok {
		return storage.ErrConflict
	}
	c := *g
	t.s.groups[g.GroupID] = &c
	t.undo = append(t.undo, func() { delete(t.s.groups, g.GroupID) })
	return nil
}

func (t *tx) SaveMembership(ctx context.Context, m *models.GroupMembership) error {
	if _, ok := t.s.groups[m.GroupID]; !ok {
		return storage.ErrNotFound
	}
	k := memberKey{m.GroupID, m.UserID}
	prev, existed := t.s.members[k]
	t.s.members[k] = m.Clone()
	t.undo = append(t.undo, func() {
		if existed {
			t.s.members[k] = prev
		} else {
			delete(t.s.members, k)
		}
	})
	return nil
}

func (t *tx) SetSuperAdmin(ctx context.Context, groupID, userID string) error {
	g, ok := t.s.groups[groupID]
	if !ok {
		return storage.ErrNotFound
	}
	prev := g.SuperAdmin
	g.SuperAdmin = userID
	t.undo = append(t.undo, func() { g.SuperAdmin = prev })
	return nil
}

func (t *tx) ActiveMembers(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	for k, m := range t.s.members {
		if k.group == groupID && m.Active() {
			out = append(out, k.user)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) GetMessage(ctx context.Context, key models.ConversationKey, id int64) (*models.Message, error) {
	m, ok := t.s.messages[id]
	if !ok || m.Conversation != key {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (t *tx) GetDirectMessage(ctx context.Context, id int64) (*models.Message, error) {
	m, ok := t.s.messages[id]
	if !ok || !m.Conversation.IsDirect() {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (t *tx) FindByClientID(ctx context.Context, senderID string, clientID uuid.UUID) (*models.Message, error) {
	for _, m := range t.s.messages {
		if m.SenderID == senderID && m.ClientMsgID != nil && *m.ClientMsgID == clientID {
			return m.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *tx) InsertMessage(ctx context.Context, m *models.Message) error {
	t.s.nextID++
	m.ID = t.s.nextID
	if m.Read == nil {
		m.Read = models.NewReadState(m.Conversation, m.SenderID)
	}
	id := m.ID
	t.s.messages[id] = m.Clone()
	t.undo = append(t.undo, func() { delete(t.s.messages, id) })
	return nil
}

func (t *tx) MarkDeleted(ctx context.Context, key models.ConversationKey, id int64, actor string, at time.Time) error {
	m, ok := t.s.messages[id]
	if !ok || m.Conversation != key {
		return storage.ErrNotFound
	}
	if m.IsDeleted() {
		return nil
	}
	prev := m.Clone()
	m.Status = models.MessageDeleted
	m.DeletedAt = &at
	m.DeletedBy = actor
	t.undo = append(t.undo, func() { t.s.messages[id] = prev })
	return nil
}

func (t *tx) SetReadAt(ctx context.Context, id int64, at time.Time) error {
	m, ok := t.s.messages[id]
	if !ok || !m.Conversation.IsDirect() {
		return storage.ErrNotFound
	}
	rs := m.Read.(*models.DirectReadState)
	if rs.ReadAt != nil {
		return nil
	}
	rs.IsRead, rs.ReadAt = true, &at
	t.undo = append(t.undo, func() { rs.IsRead, rs.ReadAt = false, nil })
	return nil
}

func (t *tx) AddAck(ctx context.Context, groupID string, id int64, userID string, at time.Time) (bool, error) {
	m, ok := t.s.messages[id]
	if !ok || !m.Conversation.IsGroup() || m.Conversation.GroupID != groupID {
		return false, storage.ErrNotFound
	}
	rs := m.Read.(*models.GroupReadState)
	if _, acked := rs.Acks[userID]; acked {
		return false, nil
	}
	rs.Acks[userID] = at
	t.undo = append(t.undo, func() { delete(rs.Acks, userID) })
	return true, nil
}
