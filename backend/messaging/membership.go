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
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/efchatnet/efmsg/backend/metrics"
	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

// inGroup runs fn under the group's keyed mutex and store lock. fn sees the
// locked group row.
func (s *Service) inGroup(ctx context.Context, groupID string, fn func(ctx context.Context, tx storage.Tx, g *models.Group) error) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id required", ErrInvalidArgument)
	}
	unlock := s.groups.Lock(groupID)
	defer unlock()

	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		g, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		return fn(ctx, tx, g)
	})
}

// membership loads userID's row, mapping a missing row to ErrNotAMember.
func membership(ctx context.Context, tx storage.Tx, groupID, userID string) (*models.GroupMembership, error) {
	m, err := tx.GetMembership(ctx, groupID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotAMember
	}
	return m, err
}

func activeMembership(ctx context.Context, tx storage.Tx, groupID, userID string) (*models.GroupMembership, error) {
	m, err := membership(ctx, tx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !m.Active() {
		return nil, ErrNotAMember
	}
	return m, nil
}

// CreateGroup creates a group whose creator is its super_admin. An empty
// groupID gets a random one.
func (s *Service) CreateGroup(ctx context.Context, groupID, creator string) (*models.Group, error) {
	const op = "create_group"
	defer metrics.Observe(op, time.Now())

	if creator == "" {
		return nil, fail(op, fmt.Errorf("%w: creator required", ErrInvalidArgument))
	}
	if groupID == "" {
		groupID = uuid.NewString()
	}
	unlock := s.groups.Lock(groupID)
	defer unlock()

	now := s.clock()
	g := &models.Group{GroupID: groupID, SuperAdmin: creator, CreatedBy: creator, CreatedAt: now}
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertGroup(ctx, g); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return ErrGroupExists
			}
			return err
		}
		return tx.SaveMembership(ctx, &models.GroupMembership{
			GroupID:  groupID,
			UserID:   creator,
			Status:   models.MemberActive,
			Role:     models.RoleSuperAdmin,
			JoinedAt: now,
		})
	})
	if err != nil {
		return nil, fail(op, err)
	}
	log.Info("Group created", "group", groupID, "super_admin", creator)
	return g, nil
}

// Join activates a first-time member.
func (s *Service) Join(ctx context.Context, groupID, userID string) (*models.GroupMembership, error) {
	const op = "join_group"
	defer metrics.Observe(op, time.Now())

	var out *models.GroupMembership
	err := s.inGroup(ctx, groupID, func(ctx context.Context, tx storage.Tx, _ *models.Group) error {
		m, err := membership(ctx, tx, groupID, userID)
		switch {
		case err == nil && m.Active():
			return ErrAlreadyMember
		case err == nil:
			return ErrLeftMember
		case !errors.Is(err, ErrNotAMember):
			return err
		}
		out = &models.GroupMembership{
			GroupID:  groupID,
			UserID:   userID,
			Status:   models.MemberActive,
			Role:     models.RoleMember,
			JoinedAt: s.clock(),
		}
		return tx.SaveMembership(ctx, out)
	})
	if err != nil {
		return nil, fail(op, err)
	}
	log.Info("Member joined", "group", groupID, "user", userID)
	return out, nil
}

// Leave moves an active member to left. The super_admin must hand the role to
// an active replacement in the same step, otherwise nothing changes.
func (s *Service) Leave(ctx context.Context, groupID, userID, replacement string) (*models.GroupMembership, error) {
	const op = "leave_group"
	defer metrics.Observe(op, time.Now())

	var out *models.GroupMembership
	err := s.inGroup(ctx, groupID, func(ctx context.Context, tx storage.Tx, g *models.Group) error {
		m, err := activeMembership(ctx, tx, groupID, userID)
		if err != nil {
			return err
		}

		var successor *models.GroupMembership
		if m.Role == models.RoleSuperAdmin {
			if replacement == "" || replacement == userID {
				return fmt.Errorf("%w: name an active replacement before leaving", ErrSuperAdminRequired)
			}
			successor, err = activeMembership(ctx, tx, groupID, replacement)
			if errors.Is(err, ErrNotAMember) {
				return fmt.Errorf("%w: replacement %s is not an active member", ErrSuperAdminRequired, replacement)
			}
			if err != nil {
				return err
			}
		}

		now := s.clock()
		m.Status, m.Role, m.LeftAt = models.MemberLeft, models.RoleMember, &now
		if err := tx.SaveMembership(ctx, m); err != nil {
			return err
		}
		if successor != nil {
			successor.Role = models.RoleSuperAdmin
			if err := tx.SaveMembership(ctx, successor); err != nil {
				return err
			}
			if err := tx.SetSuperAdmin(ctx, g.GroupID, successor.UserID); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}
	log.Info("Member left", "group", groupID, "user", userID, "replacement", replacement)
	return out, nil
}

// Rejoin reactivates a member who left. Their role starts over as member.
func (s *Service) Rejoin(ctx context.Context, groupID, userID string) (*models.GroupMembership, error) {
	const op = "rejoin_group"
	defer metrics.Observe(op, time.Now())

	var out *models.GroupMembership
	err := s.inGroup(ctx, groupID, func(ctx context.Context, tx storage.Tx, _ *models.Group) error {
		m, err := membership(ctx, tx, groupID, userID)
		if err != nil {
			return err
		}
		if m.Active() {
			return ErrAlreadyMember
		}
		m.Status, m.Role, m.JoinedAt, m.LeftAt = models.MemberActive, models.RoleMember, s.clock(), nil
		out = m
		return tx.SaveMembership(ctx, m)
	})
	if err != nil {
		return nil, fail(op, err)
	}
	log.Info("Member rejoined", "group", groupID, "user", userID)
	return out, nil
}

// Promote grants target a role. Admins and the super_admin may grant admin.
// Only the super_admin may hand over super_admin, and becomes an admin in
// the same step.
func (s *Service) Promote(ctx context.Context, groupID, actor, target string, role models.Role) (*models.GroupMembership, error) {
	const op = "promote_member"
	defer metrics.Observe(op, time.Now())

	if role != models.RoleAdmin && role != models.RoleSuperAdmin {
		return nil, fail(op, fmt.Errorf("%w: cannot promote to %q", ErrInvalidArgument, role))
	}

	var out *models.GroupMembership
	err := s.inGroup(ctx, groupID, func(ctx context.Context, tx storage.Tx, g *models.Group) error {
		a, err := activeMembership(ctx, tx, groupID, actor)
		if errors.Is(err, ErrNotAMember) {
			return ErrForbidden
		}
		if err != nil {
			return err
		}
		t, err := activeMembership(ctx, tx, groupID, target)
		if err != nil {
			return err
		}

		if role == models.RoleAdmin {
			if !a.Role.CanModerate() {
				return ErrForbidden
			}
			switch t.Role {
			case models.RoleSuperAdmin:
				return fmt.Errorf("%w: demoting the super_admin needs a handover", ErrSuperAdminRequired)
			case models.RoleAdmin:
				out = t
				return nil
			}
			t.Role = models.RoleAdmin
			out = t
			return tx.SaveMembership(ctx, t)
		}

		if a.Role != models.RoleSuperAdmin {
			return ErrForbidden
		}
		if actor == target {
			out = t
			return nil
		}
		a.Role = models.RoleAdmin
		if err := tx.SaveMembership(ctx, a); err != nil {
			return err
		}
		t.Role = models.RoleSuperAdmin
		if err := tx.SaveMembership(ctx, t); err != nil {
			return err
		}
		out = t
		return tx.SetSuperAdmin(ctx, g.GroupID, target)
	})
	if err != nil {
		return nil, fail(op, err)
	}
	log.Info("Member promoted", "group", groupID, "actor", actor, "target", target, "role", role)
	return out, nil
}

// Demote returns an admin to member. The super_admin can demote any admin and
// an admin can step down; the super_admin itself cannot be demoted. Callers
// without that authority get ErrForbidden before the target is inspected.
func (s *Service) Demote(ctx context.Context, groupID, actor, target string) (*models.GroupMembership, error) {
	const op = "demote_member"
	defer metrics.Observe(op, time.Now())

	var out *models.GroupMembership
	err := s.inGroup(ctx, groupID, func(ctx context.Context, tx storage.Tx, _ *models.Group) error {
		a, err := activeMembership(ctx, tx, groupID, actor)
		if errors.Is(err, ErrNotAMember) {
			return ErrForbidden
		}
		if err != nil {
			return err
		}
		if a.Role != models.RoleSuperAdmin && actor != target {
			return ErrForbidden
		}
		t, err := activeMembership(ctx, tx, groupID, target)
		if err != nil {
			return err
		}
		if t.Role == models.RoleSuperAdmin {
			return fmt.Errorf("%w: hand over super_admin with a promotion instead", ErrSuperAdminRequired)
		}
		out = t
		if t.Role == models.RoleMember {
			return nil
		}
		t.Role = models.RoleMember
		return tx.SaveMembership(ctx, t)
	})
	if err != nil {
		return nil, fail(op, err)
	}
	log.Info("Member demoted", "group", groupID, "actor", actor, "target", target)
	return out, nil
}

// Members lists every membership row of a group to one of its active members.
func (s *Service) Members(ctx context.Context, groupID, viewer string) ([]models.GroupMembership, error) {
	const op = "list_members"
	defer metrics.Observe(op, time.Now())

	ok, err := s.store.IsActiveMember(ctx, models.ConversationKey{Kind: models.KindGroup, GroupID: groupID}, viewer)
	if err != nil {
		return nil, fail(op, err)
	}
	if !ok {
		return nil, fail(op, ErrNotAMember)
	}
	members, err := s.store.ListMembers(ctx, groupID)
	if err != nil {
		return nil, fail(op, err)
	}
	return members, nil
}

func (s *Service) Group(ctx context.Context, groupID string) (*models.Group, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fail("get_group", err)
	}
	return g, nil
}
