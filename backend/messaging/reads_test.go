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

package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efmsg/backend/delivery"
)

func TestGroupAcksAndUnreadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.groupWith(t, "g", "owner", "a", "b")

	var ids []int64
	for i := 0; i < 4; i++ {
		ids = append(ids, f.send(t, "owner", g, "m").ID)
	}
	f.send(t, "a", g, "own message")

	n, err := f.svc.UnreadCount(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	added, err := f.svc.AckRead(ctx, "g", ids[2], "a")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.svc.AckRead(ctx, "g", ids[2], "a")
	require.NoError(t, err)
	assert.False(t, added)

	// only messages after the latest ack remain
	n, err = f.svc.UnreadCount(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// b is unaffected by a's acks
	n, err = f.svc.UnreadCount(ctx, "g", "b")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = f.svc.SoftDelete(ctx, g, ids[3], "owner")
	require.NoError(t, err)
	n, err = f.svc.UnreadCount(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	acks := f.disp.ofType(delivery.EventMessageAcked)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{"owner"}, acks[0].Recipients)
	assert.Equal(t, "a", acks[0].Event.UserID)
}

func TestUnreadCountStartsAtJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.groupWith(t, "g", "owner")
	f.send(t, "owner", g, "before join")

	_, err := f.svc.Join(ctx, "g", "late")
	require.NoError(t, err)
	f.send(t, "owner", g, "after join")

	n, err := f.svc.UnreadCount(ctx, "g", "late")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.UnreadCount(ctx, "g", "stranger")
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestAckReadScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.groupWith(t, "g", "owner", "a")
	other := f.groupWith(t, "other", "owner")
	m := f.send(t, "owner", other, "x")

	_, err := f.svc.AckRead(ctx, "g", m.ID, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.AckRead(ctx, "other", m.ID, "a")
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestDirectUnreadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := direct(t, "alice", "bob")
	m1 := f.send(t, "alice", key, "1")
	f.send(t, "alice", key, "2")
	f.send(t, "bob", key, "3")

	n, err := f.svc.DirectUnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.svc.MarkRead(ctx, m1.ID, "bob")
	require.NoError(t, err)
	n, err = f.svc.DirectUnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
