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
	"errors"
	"time"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/metrics"
	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

// MarkRead records that the recipient read a direct message. Only the first
// read sets read_at; the sender hears about it once.
func (s *Service) MarkRead(ctx context.Context, id int64, reader string) (*models.Message, error) {
	const op = "mark_read"
	defer metrics.Observe(op, time.Now())

	var (
		msg   *models.Message
		first bool
		at    time.Time
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		m, err := tx.GetDirectMessage(ctx, id)
		if err != nil {
			return err
		}
		if m.Recipient() != reader {
			return ErrForbidden
		}
		msg = m
		if _, read := m.Read.ReadBy(reader); read {
			return nil
		}
		at = s.clock()
		if err := tx.SetReadAt(ctx, id, at); err != nil {
			return err
		}
		m.Read = &models.DirectReadState{Recipient: reader, IsRead: true, ReadAt: &at}
		first = true
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}
	if first {
		s.dispatch(delivery.MessageRead(msg, reader, at), []string{msg.SenderID})
	}
	return msg, nil
}

// AckRead adds reader to a group message's acknowledgement set. It reports
// whether this call recorded the ack; the first ack time is kept.
func (s *Service) AckRead(ctx context.Context, groupID string, id int64, reader string) (bool, error) {
	const op = "ack_read"
	defer metrics.Observe(op, time.Now())

	key, err := models.GroupKey(groupID)
	if err != nil {
		return false, fail(op, errors.Join(ErrInvalidArgument, err))
	}

	var (
		msg   *models.Message
		added bool
		at    time.Time
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ok, err := tx.IsActiveMember(ctx, key, reader)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAMember
		}
		if msg, err = tx.GetMessage(ctx, key, id); err != nil {
			return err
		}
		at = s.clock()
		added, err = tx.AddAck(ctx, groupID, id, reader, at)
		return err
	})
	if err != nil {
		return false, fail(op, err)
	}
	if added && msg.SenderID != reader {
		s.dispatch(delivery.MessageRead(msg, reader, at), []string{msg.SenderID})
	}
	return added, nil
}

// UnreadCount counts group messages the member has not acknowledged, after
// the later of their join time and their latest acknowledged message. Their
// own and deleted messages never count.
func (s *Service) UnreadCount(ctx context.Context, groupID, member string) (int, error) {
	const op = "unread_count"
	defer metrics.Observe(op, time.Now())

	ms, err := s.store.GetMembership(ctx, groupID, member)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fail(op, ErrNotAMember)
	}
	if err != nil {
		return 0, fail(op, err)
	}
	if !ms.Active() {
		return 0, fail(op, ErrNotAMember)
	}
	n, err := s.store.UnreadCount(ctx, groupID, member, ms.JoinedAt)
	if err != nil {
		return 0, fail(op, err)
	}
	return n, nil
}

// DirectUnreadCount counts unread, undeleted direct messages addressed to
// userID.
func (s *Service) DirectUnreadCount(ctx context.Context, userID string) (int, error) {
	const op = "direct_unread_count"
	defer metrics.Observe(op, time.Now())

	n, err := s.store.DirectUnreadCount(ctx, userID)
	if err != nil {
		return 0, fail(op, err)
	}
	return n, nil
}
