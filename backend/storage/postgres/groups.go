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

	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

const membershipColumns = `group_id, user_id, status, role, joined_at, left_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (*models.GroupMembership, error) {
	var (
		m      models.GroupMembership
		status string
		role   string
		leftAt sql.NullTime
	)
	if err := row.Scan(&m.GroupID, &m.UserID, &status, &role, &m.JoinedAt, &leftAt); err != nil {
		return nil, err
	}
	r, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	m.Role = r
	m.Status = models.MemberStatus(status)
	m.JoinedAt = m.JoinedAt.UTC()
	if leftAt.Valid {
		t := leftAt.Time.UTC()
		m.LeftAt = &t
	}
	return &m, nil
}

func getMembership(ctx context.Context, q querier, groupID, userID string) (*models.GroupMembership, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM group_members
		WHERE group_id = $1 AND user_id = $2`,
		groupID, userID)
	m, err := scanMembership(row)
	if err != nil {
		return nil, mapErr("get_membership", err)
	}
	return m, nil
}

func scanGroup(row rowScanner) (*models.Group, error) {
	var g models.Group
	if err := row.Scan(&g.GroupID, &g.SuperAdmin, &g.CreatedBy, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return &g, nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		SELECT group_id, super_admin, created_by, created_at
		FROM groups
		WHERE group_id = $1`,
		groupID))
	if err != nil {
		return nil, mapErr("get_group", err)
	}
	return g, nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string) ([]models.GroupMembership, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+`
		FROM group_members
		WHERE group_id = $1
		ORDER BY joined_at, user_id`,
		groupID)
	if err != nil {
		return nil, mapErr("list_members", err)
	}
	defer rows.Close()

	var members []models.GroupMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, mapErr("list_members", err)
		}
		members = append(members, *m)
	}
	return members, mapErr("list_members", rows.Err())
}

// LockGroup takes the group row lock; concurrent membership transitions of
// the same group queue behind it until commit.
func (t *tx) LockGroup(ctx context.Context, groupID string) (*models.Group, error) {
	g, err := scanGroup(t.q.QueryRowContext(ctx, `
		SELECT group_id, super_admin, created_by, created_at
		FROM groups
		WHERE group_id = $1
		FOR UPDATE`,
		groupID))
	if err != nil {
		return nil, mapErr("lock_group", err)
	}
	return g, nil
}

func (t *tx) InsertGroup(ctx context.Context, g *models.Group) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO groups (group_id, super_admin, created_by, created_at)
		VALUES ($1, $2, $3, $4)`,
		g.GroupID, g.SuperAdmin, g.CreatedBy, g.CreatedAt)
	return mapErr("insert_group", err)
}

func (t *tx) SaveMembership(ctx context.Context, m *models.GroupMembership) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, status, role, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id, user_id) DO UPDATE
		SET status = $3, role = $4, joined_at = $5, left_at = $6`,
		m.GroupID, m.UserID, string(m.Status), string(m.Role), m.JoinedAt, m.LeftAt)
	return mapErr("save_membership", err)
}

func (t *tx) SetSuperAdmin(ctx context.Context, groupID, userID string) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE groups SET super_admin = $2
		WHERE group_id = $1`,
		groupID, userID)
	if err != nil {
		return mapErr("set_super_admin", err)
	}
	ok, err := affected("set_super_admin", res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: group %s", storage.ErrNotFound, groupID)
	}
	return nil
}

func (t *tx) ActiveMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT user_id FROM group_members
		WHERE group_id = $1 AND status = 'active'
		ORDER BY user_id`,
		groupID)
	if err != nil {
		return nil, mapErr("active_members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, mapErr("active_members", err)
		}
		members = append(members, userID)
	}
	return members, mapErr("active_members", rows.Err())
}
