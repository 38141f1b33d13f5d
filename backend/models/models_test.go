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

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectKeyIsUnordered(t *testing.T) {
	ab, err := DirectKey("alice", "bob")
	require.NoError(t, err)
	ba, err := DirectKey("bob", "alice")
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Equal(t, "dm:alice:bob", ab.String())
	assert.Equal(t, "bob", ab.Counterpart("alice"))
	assert.Equal(t, "", ab.Counterpart("carol"))
	assert.True(t, ab.Includes("bob"))
	assert.False(t, ab.Includes("carol"))
}

func TestDirectKeyRejectsBadPairs(t *testing.T) {
	for name, pair := range map[string][2]string{
		"self":  {"alice", "alice"},
		"empty": {"", "bob"},
		"colon": {"a:b", "bob"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DirectKey(pair[0], pair[1])
			assert.ErrorIs(t, err, ErrInvalidConversationKey)
		})
	}
}

func TestParseConversationKey(t *testing.T) {
	k, err := ParseConversationKey("dm:bob:alice")
	require.NoError(t, err)
	assert.Equal(t, "dm:alice:bob", k.String())

	g, err := ParseConversationKey("group:g-1")
	require.NoError(t, err)
	assert.True(t, g.IsGroup())
	assert.Equal(t, "g-1", g.GroupID)

	for _, bad := range []string{"", "dm:alice", "chan:x", "group:"} {
		_, err := ParseConversationKey(bad)
		assert.ErrorIs(t, err, ErrInvalidConversationKey, bad)
	}
}

func TestConversationKeyJSON(t *testing.T) {
	k, _ := GroupKey("g-1")
	data, err := json.Marshal(struct {
		Key ConversationKey `json:"key"`
	}{k})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"group:g-1"}`, string(data))

	var out struct {
		Key ConversationKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, k, out.Key)
}

func TestParseRoleAcceptsLegacySpelling(t *testing.T) {
	r, err := ParseRole("owner")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, r)

	_, err = ParseRole("root")
	assert.Error(t, err)
	assert.True(t, RoleAdmin.CanModerate())
	assert.False(t, RoleMember.CanModerate())
}

func TestMessageCloneDoesNotAlias(t *testing.T) {
	k, _ := GroupKey("g-1")
	iv := "AAAA"
	m := &Message{ID: 1, SenderID: "u1", Conversation: k, Ciphertext: []byte("x"), IV: &iv, Read: NewReadState(k, "u1")}
	m.Read.(*GroupReadState).Acks["u2"] = time.Now()

	c := m.Clone()
	c.Ciphertext[0] = 'y'
	*c.IV = "BBBB"
	c.Read.(*GroupReadState).Acks["u3"] = time.Now()

	assert.Equal(t, "x", string(m.Ciphertext))
	assert.Equal(t, "AAAA", *m.IV)
	assert.Len(t, m.Read.(*GroupReadState).Acks, 1)
}

func TestDirectReadStateOnlyCountsRecipient(t *testing.T) {
	k, _ := DirectKey("alice", "bob")
	s := NewReadState(k, "alice").(*DirectReadState)
	assert.Equal(t, "bob", s.Recipient)

	now := time.Now()
	s.IsRead, s.ReadAt = true, &now
	_, ok := s.ReadBy("alice")
	assert.False(t, ok)
	at, ok := s.ReadBy("bob")
	assert.True(t, ok)
	assert.Equal(t, now, at)
}
