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
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/efmsg/backend/metrics"
)

// Relay hands payloads to other nodes for users with no session here.
type Relay interface {
	Publish(ctx context.Context, userID string, payload []byte) error
}

type Options struct {
	// Lanes is the number of FIFO dispatch queues. A conversation always
	// maps to the same lane.
	Lanes      int
	LaneBuffer int
	// PushTimeout bounds a single push to a session or the relay.
	PushTimeout time.Duration
	// Parallelism bounds concurrent per-recipient pushes of one event.
	Parallelism int
}

func DefaultOptions() Options {
	return Options{
		Lanes:       16,
		LaneBuffer:  256,
		PushTimeout: 2 * time.Second,
		Parallelism: 8,
	}
}

type job struct {
	event      Event
	recipients []string
	out        chan Report
}

// Coordinator pushes persisted events to live sessions. It never blocks or
// fails the operation that produced the event.
type Coordinator struct {
	hub   *Hub
	relay Relay
	opts  Options

	mu     sync.RWMutex
	closed bool
	lanes  []chan job
	wg     sync.WaitGroup
}

func NewCoordinator(hub *Hub, relay Relay, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.Lanes <= 0 {
		opts.Lanes = def.Lanes
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = def.LaneBuffer
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = def.PushTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	c := &Coordinator{hub: hub, relay: relay, opts: opts}
	c.lanes = make([]chan job, opts.Lanes)
	for i := range c.lanes {
		c.lanes[i] = make(chan job, opts.LaneBuffer)
		c.wg.Add(1)
		go c.runLane(c.lanes[i])
	}
	return c
}

func (c *Coordinator) runLane(lane chan job) {
	defer c.wg.Done()
	for j := range lane {
		j.out <- c.Deliver(context.Background(), j.event, j.recipients)
		close(j.out)
	}
}

// Dispatch queues ev for asynchronous delivery and returns immediately. The
// returned channel yields exactly one Report. Events of one conversation are
// delivered in dispatch order.
func (c *Coordinator) Dispatch(ev Event, recipients []string) <-chan Report {
	out := make(chan Report, 1)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		out <- pendingReport(ev, recipients, "coordinator closed")
		close(out)
		return out
	}
	lane := c.lanes[xxhash.Sum64String(ev.Conversation)%uint64(len(c.lanes))]
	select {
	case lane <- job{event: ev, recipients: recipients, out: out}:
	default:
		log.Warn("Delivery lane full, leaving message pending", "conversation", ev.Conversation, "message", ev.MessageID)
		out <- pendingReport(ev, recipients, "dispatch queue full")
		close(out)
	}
	return out
}

// Deliver pushes ev to every open session of each recipient, in parallel per
// recipient. Each session gets at most one attempt.
func (c *Coordinator) Deliver(ctx context.Context, ev Event, recipients []string) Report {
	report := Report{MessageID: ev.MessageID, Conversation: ev.Conversation, Event: ev.Type}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode delivery event", "err", err, "message", ev.MessageID)
		return pendingReport(ev, recipients, err.Error())
	}

	var mu sync.Mutex
	add := func(res Result) {
		metrics.DeliveryOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		mu.Lock()
		report.Results = append(report.Results, res)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Parallelism)
	for _, userID := range recipients {
		g.Go(func() error {
			c.deliverTo(ctx, userID, payload, add)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (c *Coordinator) deliverTo(ctx context.Context, userID string, payload []byte, add func(Result)) {
	sessions := c.hub.Sessions(userID)
	if len(sessions) == 0 {
		if c.relay == nil {
			add(Result{UserID: userID, Outcome: Offline})
			return
		}
		pctx, cancel := context.WithTimeout(ctx, c.opts.PushTimeout)
		defer cancel()
		if err := c.relay.Publish(pctx, userID, payload); err != nil {
			log.Warn("Relay publish failed", "user", userID, "err", err)
			add(Result{UserID: userID, Outcome: Pending, Error: err.Error()})
			return
		}
		add(Result{UserID: userID, Outcome: Relayed})
		return
	}
	for _, s := range sessions {
		add(PushWithTimeout(ctx, s, payload, c.opts.PushTimeout))
	}
}

// PushWithTimeout makes one bounded push attempt to s.
func PushWithTimeout(ctx context.Context, s *Session, payload []byte, timeout time.Duration) Result {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res := Result{UserID: s.UserID(), SessionID: s.ID(), Outcome: Delivered}
	switch err := s.Push(pctx, payload); {
	case err == nil:
	case errors.Is(err, ErrSessionClosed):
		res.Outcome, res.Error = Disconnected, err.Error()
	default:
		res.Outcome, res.Error = Pending, err.Error()
	}
	return res
}

// Close stops accepting dispatches and waits for queued ones to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, lane := range c.lanes {
		close(lane)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func pendingReport(ev Event, recipients []string, reason string) Report {
	r := Report{MessageID: ev.MessageID, Conversation: ev.Conversation, Event: ev.Type}
	for _, u := range recipients {
		r.Results = append(r.Results, Result{UserID: u, Outcome: Pending, Error: reason})
	}
	return r
}
