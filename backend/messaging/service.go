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

// Package messaging is the messaging core: message creation and listing,
// reply threading, read tracking and the group membership lifecycle. It
// persists through a storage.Store and hands persisted events to a
// Dispatcher for live delivery.
package messaging

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/storage"
)

// Dispatcher queues an event for live delivery without blocking.
type Dispatcher interface {
	Dispatch(ev delivery.Event, recipients []string) <-chan delivery.Report
}

type Options struct {
	MaxCiphertextBytes int
	// RequireIV rejects new messages without an IV. Rows without one are
	// legacy plaintext and are still served.
	RequireIV       bool
	DefaultPageSize int
	MaxPageSize     int
}

func DefaultOptions() Options {
	return Options{
		MaxCiphertextBytes: 64 << 10,
		RequireIV:          true,
		DefaultPageSize:    50,
		MaxPageSize:        200,
	}
}

type Service struct {
	store      storage.Store
	dispatcher Dispatcher
	opts       Options

	// groups serialises membership transitions per group.
	groups *keyLock
	// conversations spans persist and dispatch so events of a conversation
	// reach the dispatcher in creation order.
	conversations *keyLock

	now func() time.Time
}

func NewService(store storage.Store, dispatcher Dispatcher, opts Options) *Service {
	def := DefaultOptions()
	if opts.MaxCiphertextBytes <= 0 {
		opts.MaxCiphertextBytes = def.MaxCiphertextBytes
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = def.DefaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = def.MaxPageSize
	}
	if opts.DefaultPageSize > opts.MaxPageSize {
		opts.DefaultPageSize = opts.MaxPageSize
	}
	return &Service{
		store:         store,
		dispatcher:    dispatcher,
		opts:          opts,
		groups:        newKeyLock(),
		conversations: newKeyLock(),
		now:           time.Now,
	}
}

// Postgres keeps microseconds; truncating here keeps cursors stable across
// stores.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) dispatch(ev delivery.Event, recipients []string) <-chan delivery.Report {
	if s.dispatcher == nil || len(recipients) == 0 {
		out := make(chan delivery.Report, 1)
		out <- delivery.Report{MessageID: ev.MessageID, Conversation: ev.Conversation, Event: ev.Type}
		close(out)
		return out
	}
	return s.dispatcher.Dispatch(ev, recipients)
}

// EncodeCursor renders c as an opaque page token.
func EncodeCursor(c storage.Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(token string) (*storage.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return &storage.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: n}, nil
}
