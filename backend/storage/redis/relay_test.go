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

package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/models"
	msgredis "github.com/efchatnet/efmsg/backend/storage/redis"
	"github.com/efchatnet/efmsg/backend/testutil/testredis"
)

func TestRelayDeliversAcrossNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("redis integration test")
	}
	rdb := testredis.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// node A has no sessions; node B holds bob
	hubA, hubB := delivery.NewHub(), delivery.NewHub()
	relayA := msgredis.NewRelay(rdb, hubA, time.Second)
	relayB := msgredis.NewRelay(rdb, hubB, time.Second)
	t.Cleanup(func() { _ = relayA.Close(); _ = relayB.Close() })
	hubA.SetPresenceListener(relayA)
	hubB.SetPresenceListener(relayB)
	go relayA.Run(ctx)
	go relayB.Run(ctx)

	bob := delivery.NewSession("bob", 8)
	hubB.Register(bob)
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, msgredis.NotifyChannel("bob")).Result()
		return err == nil && n[msgredis.NotifyChannel("bob")] == 1
	}, 5*time.Second, 50*time.Millisecond)

	coord := delivery.NewCoordinator(hubA, relayA, delivery.Options{})
	defer coord.Close()

	key, err := models.DirectKey("alice", "bob")
	require.NoError(t, err)
	iv := "x"
	m := &models.Message{ID: 7, SenderID: "alice", Conversation: key, Ciphertext: []byte("c"), IV: &iv, CreatedAt: time.Now()}

	report := coord.Deliver(ctx, delivery.MessageCreated(m), []string{"bob"})
	assert.Equal(t, 1, report.Count(delivery.Relayed))

	select {
	case payload := <-bob.Outbound():
		var ev delivery.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		assert.Equal(t, int64(7), ev.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("relayed event never arrived")
	}

	hubB.Unregister(bob)
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, msgredis.NotifyChannel("bob")).Result()
		return err == nil && n[msgredis.NotifyChannel("bob")] == 0
	}, 5*time.Second, 50*time.Millisecond)
}
