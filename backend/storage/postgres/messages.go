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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

const (
	directColumns = `id, client_msg_id, sender_id, user_a, user_b, ciphertext, iv, reply_to,
		is_read, read_at, is_deleted, deleted_at, deleted_by, created_at`
	groupColumns = `id, client_msg_id, sender_id, group_id, ciphertext, iv, reply_to,
		is_deleted, deleted_at, deleted_by, created_at`
)

// messageRow holds the columns both message tables share.
type messageRow struct {
	clientID  uuid.NullUUID
	iv        sql.NullString
	replyTo   sql.NullInt64
	isDeleted bool
	deletedAt sql.NullTime
	deletedBy sql.NullString
}

func (r *messageRow) apply(m *models.Message) {
	if r.clientID.Valid {
		id := r.clientID.UUID
		m.ClientMsgID = &id
	}
	if r.iv.Valid {
		iv := r.iv.String
		m.IV = &iv
	}
	if r.replyTo.Valid {
		id := r.replyTo.Int64
		m.ReplyTo = &id
	}
	m.Status = models.MessageActive
	if r.isDeleted {
		m.Status = models.MessageDeleted
	}
	if r.deletedAt.Valid {
		t := r.deletedAt.Time.UTC()
		m.DeletedAt = &t
	}
	m.DeletedBy = r.deletedBy.String
	m.CreatedAt = m.CreatedAt.UTC()
}

func scanDirect(row rowScanner) (*models.Message, error) {
	var (
		m            models.Message
		r            messageRow
		userA, userB string
		isRead       bool
		readAt       sql.NullTime
	)
	err := row.Scan(&m.ID, &r.clientID, &m.SenderID, &userA, &userB, &m.Ciphertext, &r.iv, &r.replyTo,
		&isRead, &readAt, &r.isDeleted, &r.deletedAt, &r.deletedBy, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	key, err := models.DirectKey(userA, userB)
	if err != nil {
		return nil, err
	}
	m.Conversation = key
	r.apply(&m)

	rs := &models.DirectReadState{Recipient: m.Recipient(), IsRead: isRead}
	if readAt.Valid {
		t := readAt.Time.UTC()
		rs.ReadAt = &t
	}
	m.Read = rs
	return &m, nil
}

func scanGroupMessage(row rowScanner) (*models.Message, error) {
	var (
		m       models.Message
		r       messageRow
		groupID string
	)
	err := row.Scan(&m.ID, &r.clientID, &m.SenderID, &groupID, &m.Ciphertext, &r.iv, &r.replyTo,
		&r.isDeleted, &r.deletedAt, &r.deletedBy, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	key, err := models.GroupKey(groupID)
	if err != nil {
		return nil, err
	}
	m.Conversation = key
	r.apply(&m)
	m.Read = &models.GroupReadState{Acks: map[string]time.Time{}}
	return &m, nil
}

// loadAcks fills the acknowledgement sets of group messages.
func loadAcks(ctx context.Context, q querier, msgs []*models.Message) error {
	byID := make(map[int64]*models.GroupReadState, len(msgs))
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if rs, ok := m.Read.(*models.GroupReadState); ok {
			byID[m.ID] = rs
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT message_id, user_id, read_at
		FROM group_message_reads
		WHERE message_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return mapErr("load_acks", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id     int64
			userID string
			at     time.Time
		)
		if err := rows.Scan(&id, &userID, &at); err != nil {
			return mapErr("load_acks", err)
		}
		byID[id].Acks[userID] = at.UTC()
	}
	return mapErr("load_acks", rows.Err())
}

func getDirect(ctx context.Context, q querier, where string, args ...any) (*models.Message, error) {
	m, err := scanDirect(q.QueryRowContext(ctx, `SELECT `+directColumns+` FROM messages WHERE `+where, args...))
	if err != nil {
		return nil, mapErr("get_message", err)
	}
	return m, nil
}

func getGroup(ctx context.Context, q querier, where string, args ...any) (*models.Message, error) {
	m, err := scanGroupMessage(q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM group_messages WHERE `+where, args...))
	if err != nil {
		return nil, mapErr("get_message", err)
	}
	if err := loadAcks(ctx, q, []*models.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (t *tx) GetMessage(ctx context.Context, key models.ConversationKey, id int64) (*models.Message, error) {
	if key.IsGroup() {
		return getGroup(ctx, t.q, `id = $1 AND group_id = $2`, id, key.GroupID)
	}
	return getDirect(ctx, t.q, `id = $1 AND user_a = $2 AND user_b = $3`, id, key.UserA, key.UserB)
}

func (t *tx) GetDirectMessage(ctx context.Context, id int64) (*models.Message, error) {
	return getDirect(ctx, t.q, `id = $1`, id)
}

func (t *tx) FindByClientID(ctx context.Context, senderID string, clientID uuid.UUID) (*models.Message, error) {
	m, err := getDirect(ctx, t.q, `sender_id = $1 AND client_msg_id = $2`, senderID, clientID)
	if err == nil || !isNotFound(err) {
		return m, err
	}
	return getGroup(ctx, t.q, `sender_id = $1 AND client_msg_id = $2`, senderID, clientID)
}

func (t *tx) InsertMessage(ctx context.Context, m *models.Message) error {
	var clientID uuid.NullUUID
	if m.ClientMsgID != nil {
		clientID = uuid.NullUUID{UUID: *m.ClientMsgID, Valid: true}
	}
	var err error
	if m.Conversation.IsGroup() {
		err = t.q.QueryRowContext(ctx, `
			INSERT INTO group_messages (client_msg_id, sender_id, group_id, ciphertext, iv, reply_to, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			clientID, m.SenderID, m.Conversation.GroupID, m.Ciphertext, m.IV, m.ReplyTo, m.CreatedAt).Scan(&m.ID)
	} else {
		err = t.q.QueryRowContext(ctx, `
			INSERT INTO messages (client_msg_id, sender_id, recipient_id, user_a, user_b, ciphertext, iv, reply_to, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			clientID, m.SenderID, m.Recipient(), m.Conversation.UserA, m.Conversation.UserB,
			m.Ciphertext, m.IV, m.ReplyTo, m.CreatedAt).Scan(&m.ID)
	}
	if err != nil {
		return mapErr("insert_message", err)
	}
	if m.Read == nil {
		m.Read = models.NewReadState(m.Conversation, m.SenderID)
	}
	return nil
}

// MarkDeleted keeps the first deletion; a repeat call changes nothing.
func (t *tx) MarkDeleted(ctx context.Context, key models.ConversationKey, id int64, actor string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if key.IsGroup() {
		res, err = t.q.ExecContext(ctx, `
			UPDATE group_messages SET is_deleted = TRUE, deleted_at = $3, deleted_by = $4
			WHERE id = $1 AND group_id = $2 AND NOT is_deleted`,
			id, key.GroupID, at, actor)
	} else {
		res, err = t.q.ExecContext(ctx, `
			UPDATE messages SET is_deleted = TRUE, deleted_at = $4, deleted_by = $5
			WHERE id = $1 AND user_a = $2 AND user_b = $3 AND NOT is_deleted`,
			id, key.UserA, key.UserB, at, actor)
	}
	if err != nil {
		return mapErr("mark_deleted", err)
	}
	ok, err := affected("mark_deleted", res)
	if err != nil || ok {
		return err
	}
	_, err = t.GetMessage(ctx, key, id)
	return err
}

func (s *Store) ListMessages(ctx context.Context, q storage.ListQuery) ([]*models.Message, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	table, columns := "messages", directColumns
	if q.Conversation.IsGroup() {
		table, columns = "group_messages", groupColumns
		conds = append(conds, "group_id = "+arg(q.Conversation.GroupID))
	} else {
		conds = append(conds, "user_a = "+arg(q.Conversation.UserA), "user_b = "+arg(q.Conversation.UserB))
	}
	if !q.IncludeDeleted {
		conds = append(conds, "NOT is_deleted")
	}
	if q.Until != nil {
		conds = append(conds, "created_at <= "+arg(*q.Until))
	}
	if q.After != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) > (%s, %s)", arg(q.After.CreatedAt), arg(q.After.ID)))
	}
	query := `SELECT ` + columns + ` FROM ` + table + ` WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list_messages", err)
	}
	defer rows.Close()

	scan := scanDirect
	if q.Conversation.IsGroup() {
		scan = scanGroupMessage
	}
	var msgs []*models.Message
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, mapErr("list_messages", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list_messages", err)
	}
	if err := loadAcks(ctx, s.db, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PurgeMessage relies on reply_to ON DELETE SET NULL to detach replies.
func (s *Store) PurgeMessage(ctx context.Context, key models.ConversationKey, id int64) error {
	var (
		res sql.Result
		err error
	)
	if key.IsGroup() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM group_messages WHERE id = $1 AND group_id = $2`, id, key.GroupID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND user_a = $2 AND user_b = $3`, id, key.UserA, key.UserB)
	}
	if err != nil {
		return mapErr("purge_message", err)
	}
	ok, err := affected("purge_message", res)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}
