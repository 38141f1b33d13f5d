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

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efmsg/backend/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// PersistenceError is a storage-layer failure (connectivity, unexpected
// constraint violation). It is distinct from domain errors so callers can
// decide whether to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Wrap tags err as a PersistenceError unless it already is one or is one of
// the sentinel lookup errors.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Cursor is the last (created_at, id) pair a listing produced.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

type ListQuery struct {
	Conversation   models.ConversationKey
	After          *Cursor
	Limit          int
	IncludeDeleted bool
	// Until caps visibility at a point in time (a left member's history).
	Until *time.Time
}

// MembershipReader is what the core needs from the identity & membership
// store.
type MembershipReader interface {
	IsActiveMember(ctx context.Context, key models.ConversationKey, userID string) (bool, error)
	GetRole(ctx context.Context, groupID, userID string) (models.Role, error)
	GetMembership(ctx context.Context, groupID, userID string) (*models.GroupMembership, error)
}

// Tx is a transactional view. Everything done through one Tx commits or
// rolls back together.
type Tx interface {
	MembershipReader

	// LockGroup takes the per-group single-writer section for the rest of
	// the transaction.
	LockGroup(ctx context.Context, groupID string) (*models.Group, error)
	InsertGroup(ctx context.Context, g *models.Group) error
	SaveMembership(ctx context.Context, m *models.GroupMembership) error
	SetSuperAdmin(ctx context.Context, groupID, userID string) error
	ActiveMembers(ctx context.Context, groupID string) ([]string, error)

	// GetMessage only finds messages inside key.
	GetMessage(ctx context.Context, key models.ConversationKey, id int64) (*models.Message, error)
	GetDirectMessage(ctx context.Context, id int64) (*models.Message, error)
	FindByClientID(ctx context.Context, senderID string, clientID uuid.UUID) (*models.Message, error)
	// InsertMessage assigns m.ID.
	InsertMessage(ctx context.Context, m *models.Message) error
	MarkDeleted(ctx context.Context, key models.ConversationKey, id int64, actor string, at time.Time) error
	SetReadAt(ctx context.Context, id int64, at time.Time) error
	AddAck(ctx context.Context, groupID string, id int64, userID string, at time.Time) (bool, error)
}

type Store interface {
	MembershipReader

	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMembership, error)
	ListMessages(ctx context.Context, q ListQuery) ([]*models.Message, error)
	// UnreadCount counts group messages after max(since, the member's latest
	// acked message) that the member neither sent nor acked, excluding
	// deleted ones.
	UnreadCount(ctx context.Context, groupID, userID string, since time.Time) (int, error)
	DirectUnreadCount(ctx context.Context, userID string) (int, error)
	// PurgeMessage hard-removes a message; replies to it get reply_to cleared.
	PurgeMessage(ctx context.Context, key models.ConversationKey, id int64) error

	Close() error
}
