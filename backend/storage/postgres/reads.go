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

package postgres

import (
	"context"
	"time"

	"github.com/efchatnet/efmsg/backend/storage"
)

// SetReadAt only sets read_at the first time.
func (t *tx) SetReadAt(ctx context.Context, id int64, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = $2
		WHERE id = $1 AND read_at IS NULL`,
		id, at)
	if err != nil {
		return mapErr("set_read_at", err)
	}
	ok, err := affected("set_read_at", res)
	if err != nil || ok {
		return err
	}
	_, err = t.GetDirectMessage(ctx, id)
	return err
}

func (t *tx) AddAck(ctx context.Context, groupID string, id int64, userID string, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO group_message_reads (message_id, user_id, read_at)
		SELECT id, $3, $4 FROM group_messages
		WHERE id = $1 AND group_id = $2
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		id, groupID, userID, at)
	if err != nil {
		return false, mapErr("add_ack", err)
	}
	added, err := affected("add_ack", res)
	if err != nil {
		return false, err
	}
	if !added {
		var exists bool
		err := t.q.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM group_messages WHERE id = $1 AND group_id = $2)`,
			id, groupID).Scan(&exists)
		if err != nil {
			return false, mapErr("add_ack", err)
		}
		if !exists {
			return false, storage.ErrNotFound
		}
		return false, nil
	}
	// is_read on group_messages means "acknowledged by someone".
	_, err = t.q.ExecContext(ctx, `
		UPDATE group_messages SET is_read = TRUE, read_at = $2
		WHERE id = $1 AND NOT is_read`,
		id, at)
	return true, mapErr("add_ack", err)
}

func (s *Store) UnreadCount(ctx context.Context, groupID, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		WITH cutoff AS (
			SELECT GREATEST($3::timestamptz, COALESCE(MAX(m.created_at), $3::timestamptz)) AS t
			FROM group_message_reads r
			JOIN group_messages m ON m.id = r.message_id
			WHERE m.group_id = $1 AND r.user_id = $2
		)
		SELECT COUNT(*)
		FROM group_messages m, cutoff
		WHERE m.group_id = $1
			AND NOT m.is_deleted
			AND m.sender_id <> $2
			AND m.created_at > cutoff.t
			AND NOT EXISTS (
				SELECT 1 FROM group_message_reads r
				WHERE r.message_id = m.id AND r.user_id = $2
			)`,
		groupID, userID, since).Scan(&n)
	return n, mapErr("unread_count", err)
}

func (s *Store) DirectUnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE recipient_id = $1 AND NOT is_read AND NOT is_deleted`,
		userID).Scan(&n)
	return n, mapErr("direct_unread_count", err)
}
