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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

var errBoom = errors.New("boom")

func seedGroup(t *testing.T, s *Store, groupID string, users ...string) {
	t.Helper()
	now := time.Now()
	err := s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertGroup(ctx, &models.Group{GroupID: groupID, SuperAdmin: users[0], CreatedBy: users[0], CreatedAt: now}); err != nil {
			return err
		}
		for i, u := range users {
			role := models.RoleMember
			if i == 0 {
				role = models.RoleSuperAdmin
			}
			m := &models.GroupMembership{GroupID: groupID, UserID: u, Status: models.MemberActive, Role: role, JoinedAt: now}
			if err := tx.SaveMembership(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func insert(t *testing.T, s *Store, key models.ConversationKey, sender string, at time.Time) *models.Message {
	t.Helper()
	iv := "AAAAAAAAAAAAAAAA"
	m := &models.Message{SenderID: sender, Conversation: key, Ciphertext: []byte("c"), IV: &iv, Status: models.MessageActive, CreatedAt: at}
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertMessage(ctx, m)
	}))
	return m
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "u1", "u2")
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		require.NoError(t, tx.SetSuperAdmin(ctx, "g1", "u2"))
		m, err := tx.GetMembership(ctx, "g1", "u1")
		require.NoError(t, err)
		m.Status = models.MemberLeft
		require.NoError(t, tx.SaveMembership(ctx, m))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	g, err := s.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "u1", g.SuperAdmin)
	m, err := s.GetMembership(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.MemberActive, m.Status)
}

func TestListMessagesOrderAndCursor(t *testing.T) {
	s := NewStore()
	key, _ := models.DirectKey("a", "b")
	base := time.Now()
	m1 := insert(t, s, key, "a", base)
	m2 := insert(t, s, key, "b", base) // same timestamp, higher id
	m3 := insert(t, s, key, "a", base.Add(time.Second))
	other, _ := models.DirectKey("a", "c")
	insert(t, s, other, "a", base)

	page, err := s.ListMessages(context.Background(), storage.ListQuery{Conversation: key, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{m1.ID, m2.ID}, []int64{page[0].ID, page[1].ID})

	rest, err := s.ListMessages(context.Background(), storage.ListQuery{
		Conversation: key,
		After:        &storage.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, m3.ID, rest[0].ID)
}

func TestPurgeClearsReplies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	key, _ := models.DirectKey("a", "b")
	parent := insert(t, s, key, "a", time.Now())
	reply := &models.Message{SenderID: "b", Conversation: key, Ciphertext: []byte("r"), ReplyTo: &parent.ID, Status: models.MessageActive, CreatedAt: time.Now()}
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.InsertMessage(ctx, reply) }))

	require.NoError(t, s.PurgeMessage(ctx, key, parent.ID))

	msgs, err := s.ListMessages(ctx, storage.ListQuery{Conversation: key})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].ReplyTo)
	assert.ErrorIs(t, s.PurgeMessage(ctx, key, parent.ID), storage.ErrNotFound)
}

func TestUnreadCountStartsAfterLatestAck(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedGroup(t, s, "g1", "u1", "u2")
	key, _ := models.GroupKey("g1")
	base := time.Now()

	m1 := insert(t, s, key, "u1", base.Add(1*time.Second))
	insert(t, s, key, "u1", base.Add(2*time.Second))
	m3 := insert(t, s, key, "u1", base.Add(3*time.Second))
	insert(t, s, key, "u1", base.Add(4*time.Second))
	insert(t, s, key, "u2", base.Add(5*time.Second)) // own message

	n, err := s.UnreadCount(ctx, "g1", "u2", base)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.AddAck(ctx, "g1", m1.ID, "u2", base); err != nil {
			return err
		}
		_, err := tx.AddAck(ctx, "g1", m3.ID, "u2", base)
		return err
	}))

	n, err = s.UnreadCount(ctx, "g1", "u2", base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddAckIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedGroup(t, s, "g1", "u1", "u2")
	key, _ := models.GroupKey("g1")
	m := insert(t, s, key, "u1", time.Now())

	var first, second bool
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if first, err = tx.AddAck(ctx, "g1", m.ID, "u2", time.Now()); err != nil {
			return err
		}
		second, err = tx.AddAck(ctx, "g1", m.ID, "u2", time.Now())
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}
