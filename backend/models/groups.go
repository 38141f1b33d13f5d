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
	"fmt"
	"time"
)

type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// legacyTopRole is how the single top-level admin role was spelled before
// the column was relabelled super_admin.
const legacyTopRole = "owner"

func ParseRole(s string) (Role, error) {
	switch s {
	case string(RoleMember):
		return RoleMember, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	case string(RoleSuperAdmin), legacyTopRole:
		return RoleSuperAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// CanModerate reports whether the role may delete other members' messages
// and grant the admin role.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

type MemberStatus string

const (
	MemberActive MemberStatus = "active"
	MemberLeft   MemberStatus = "left"
)

// Group mirrors the groups table. SuperAdmin is the single admin-role column
// and always names the member holding RoleSuperAdmin.
type Group struct {
	GroupID    string    `json:"group_id" db:"group_id"`
	SuperAdmin string    `json:"super_admin" db:"super_admin"`
	CreatedBy  string    `json:"created_by" db:"created_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type GroupMembership struct {
	GroupID  string       `json:"group_id" db:"group_id"`
	UserID   string       `json:"user_id" db:"user_id"`
	Status   MemberStatus `json:"status" db:"status"`
	Role     Role         `json:"role" db:"role"`
	JoinedAt time.Time    `json:"joined_at" db:"joined_at"`
	LeftAt   *time.Time   `json:"left_at,omitempty" db:"left_at"`
}

func (m *GroupMembership) Active() bool {
	return m != nil && m.Status == MemberActive
}

func (m *GroupMembership) Clone() *GroupMembership {
	if m == nil {
		return nil
	}
	c := *m
	if m.LeftAt != nil {
		t := *m.LeftAt
		c.LeftAt = &t
	}
	return &c
}
