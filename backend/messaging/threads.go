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

	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

// ReplyLookup finds a message scoped to one conversation. storage.Tx
// satisfies it.
type ReplyLookup interface {
	GetMessage(ctx context.Context, key models.ConversationKey, id int64) (*models.Message, error)
}

// ResolveReply returns the message replyTo points at, or ErrInvalidReply if it
// does not exist inside key. Soft-deleted targets still resolve.
func ResolveReply(ctx context.Context, lookup ReplyLookup, key models.ConversationKey, replyTo int64) (*models.Message, error) {
	if replyTo <= 0 {
		return nil, fmt.Errorf("%w: id %d", ErrInvalidReply, replyTo)
	}
	m, err := lookup.GetMessage(ctx, key, replyTo)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %d not found in %s", ErrInvalidReply, replyTo, key)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
