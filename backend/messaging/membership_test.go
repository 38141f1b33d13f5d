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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efmsg/backend/models"
)

func TestCreateGroupMakesCreatorSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateGroup(ctx, "", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, g.GroupID)
	assert.Equal(t, "u1", g.SuperAdmin)
	assert.Equal(t, []string{"u1"}, f.superAdmins(t, g.GroupID))

	_, err = f.svc.CreateGroup(ctx, g.GroupID, "u2")
	assert.ErrorIs(t, err, ErrGroupExists)
}

func TestPromoteToSuperAdminHandsOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.groupWith(t, "g", "u1", "u2")

	m, err := f.svc.Promote(ctx, "g", "u1", "u2", models.RoleSuperAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.RoleSuperAdmin, m.Role)

	role, err := f.store.GetRole(ctx, "g", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, role)
	assert.Equal(t, []string{"u2"}, f.superAdmins(t, "g"))

	g, err := f.svc.Group(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "u2", g.SuperAdmin)

	// u1 is only an admin now
	_, err = f.svc.Promote(ctx, "g", "u1", "u1", models.RoleSuperAdmin)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPromoteAndDemoteRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.groupWith(t, "g", "owner", "a", "b", "c")

	_, err := f.svc.Promote(ctx, "g", "a", "b", models.RoleAdmin)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Promote(ctx, "g", "owner", "a", models.RoleAdmin)
	require.NoError(t, err)
	_, err = f.svc.Promote(ctx, "g", "a", "b", models.RoleAdmin)
	require.NoError(t, err)

	_, err = f.svc.Promote(ctx, "g", "a", "owner", models.RoleAdmin)
	assert.ErrorIs(t, err, ErrSuperAdminRequired)
	_, err = f.svc.Promote(ctx, "g", "owner", "c", models.RoleMember)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.Demote(ctx, "g", "a", "b")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Demote(ctx, "g", "owner", "owner")
	assert.ErrorIs(t, err, ErrSuperAdminRequired)
	_, err = f.svc.Demote(ctx, "g", "a", "owner")
	assert.ErrorIs(t, err, ErrForbidden)
	// outsiders learn nothing about roles
	_, err = f.svc.Demote(ctx, "g", "stranger", "owner")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrSuperAdminRequired)

	m, err := f.svc.Demote(ctx, "g", "owner", "b")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, m.Role)

	// admins may step down themselves
	m, err = f.svc.Demote(ctx, "g", "a", "a")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, m.Role)

	assert.Equal(t, []string{"owner"}, f.superAdmins(t, "g"))
}

func TestLeaveSoleSuperAdminNeedsReplacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.groupWith(t, "g", "u1", "u2", "u3")

	before, err := f.store.ListMembers(ctx, "g")
	require.NoError(t, err)

	_, err = f.svc.Leave(ctx, "g", "u1", "")
	assert.ErrorIs(t, err, ErrSuperAdminRequired)
	_, err = f.svc.Leave(ctx, "g", "u1", "nobody")
	assert.ErrorIs(t, err, ErrSuperAdminRequired)
	_, err = f.svc.Leave(ctx, "g", "u1", "u1")
	assert.ErrorIs(t, err, ErrSuperAdminRequired)

	after, err := f.store.ListMembers(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	left, err := f.svc.Leave(ctx, "g", "u1", "u3")
	require.NoError(t, err)
	assert.Equal(t, models.MemberLeft, left.Status)
	assert.Equal(t, models.RoleMember, left.Role)
	assert.NotNil(t, left.LeftAt)
	assert.Equal(t, []string{"u3"}, f.superAdmins(t, "g"))
}

func TestJoinLeaveRejoinStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.groupWith(t, "g", "owner", "a")

	_, err := f.svc.Join(ctx, "g", "a")
	assert.ErrorIs(t, err, ErrAlreadyMember)
	_, err = f.svc.Rejoin(ctx, "g", "a")
	assert.ErrorIs(t, err, ErrAlreadyMember)
	_, err = f.svc.Rejoin(ctx, "g", "stranger")
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = f.svc.Join(ctx, "missing", "a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Promote(ctx, "g", "owner", "a", models.RoleAdmin)
	require.NoError(t, err)
	_, err = f.svc.Leave(ctx, "g", "a", "")
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, "g", "a")
	assert.ErrorIs(t, err, ErrLeftMember)
	_, err = f.svc.Leave(ctx, "g", "a", "")
	assert.ErrorIs(t, err, ErrNotAMember)

	m, err := f.svc.Rejoin(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, models.MemberActive, m.Status)
	assert.Equal(t, models.RoleMember, m.Role)
	assert.Nil(t, m.LeftAt)

	members, err := f.svc.Members(ctx, "g", "owner")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	_, err = f.svc.Members(ctx, "g", "stranger")
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestConcurrentMembershipKeepsOneSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := make([]string, 8)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}
	f.groupWith(t, "g", users[0], users[1:]...)

	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		for i, u := range users {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := users[(i+1)%len(users)]
				switch round % 3 {
				case 0:
					_, _ = f.svc.Promote(ctx, "g", u, next, models.RoleSuperAdmin)
				case 1:
					_, _ = f.svc.Leave(ctx, "g", u, next)
				default:
					_, _ = f.svc.Rejoin(ctx, "g", u)
				}
			}()
		}
		wg.Wait()
		require.Len(t, f.superAdmins(t, "g"), 1, "round %d", round)
	}

	g, err := f.svc.Group(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, f.superAdmins(t, "g"), []string{g.SuperAdmin})
}
