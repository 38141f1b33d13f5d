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

// Package redis relays live delivery between nodes over Redis pub/sub. Each
// node subscribes to the channels of users that have a session on it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/metrics"
)

// msg:notify:{userId} carries envelopes for one user
const notifyPrefix = "msg:notify:"

func NotifyChannel(userID string) string {
	return notifyPrefix + userID
}

type envelope struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type Relay struct {
	rdb         *redis.Client
	hub         *delivery.Hub
	nodeID      string
	pushTimeout time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRelay subscribes lazily: channels are added as users come online on
// hub. Register the relay as hub's presence listener and call Run.
func NewRelay(rdb *redis.Client, hub *delivery.Hub, pushTimeout time.Duration) *Relay {
	if pushTimeout <= 0 {
		pushTimeout = 2 * time.Second
	}
	return &Relay{
		rdb:         rdb,
		hub:         hub,
		nodeID:      uuid.NewString(),
		pushTimeout: pushTimeout,
		pubsub:      rdb.Subscribe(context.Background()),
	}
}

func (r *Relay) NodeID() string { return r.nodeID }

// Publish hands payload to whichever node holds userID's sessions.
func (r *Relay) Publish(ctx context.Context, userID string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: r.nodeID, UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, NotifyChannel(userID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	metrics.RelayedEnvelopes.WithLabelValues("out").Inc()
	return nil
}

func (r *Relay) UserOnline(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pubsub.Subscribe(context.Background(), NotifyChannel(userID)); err != nil {
		log.Warn("Relay subscribe failed", "user", userID, "err", err)
	}
}

func (r *Relay) UserOffline(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pubsub.Unsubscribe(context.Background(), NotifyChannel(userID)); err != nil {
		log.Warn("Relay unsubscribe failed", "user", userID, "err", err)
	}
}

// Run pushes incoming envelopes to local sessions until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Warn("Dropping malformed relay envelope", "channel", msg.Channel, "err", err)
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	metrics.RelayedEnvelopes.WithLabelValues("in").Inc()
	for _, s := range r.hub.Sessions(env.UserID) {
		res := delivery.PushWithTimeout(ctx, s, env.Payload, r.pushTimeout)
		metrics.DeliveryOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	}
}

func (r *Relay) Close() error {
	return r.pubsub.Close()
}
