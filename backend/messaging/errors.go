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

	"github.com/efchatnet/efmsg/backend/metrics"
	"github.com/efchatnet/efmsg/backend/storage"
)

var (
	ErrNotAMember         = errors.New("not an active participant of the conversation")
	ErrInvalidReply       = errors.New("reply target is not in this conversation")
	ErrForbidden          = errors.New("forbidden")
	ErrSuperAdminRequired = errors.New("group must keep exactly one super_admin")
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAlreadyMember      = errors.New("already an active member")

	// ErrLeftMember is returned by Join for a user who left; they rejoin instead.
	ErrLeftMember  = errors.New("user left the group, rejoin instead")
	ErrGroupExists = errors.New("group already exists")
)

var domainErrors = []error{
	ErrNotAMember,
	ErrInvalidReply,
	ErrForbidden,
	ErrSuperAdminRequired,
	ErrNotFound,
	ErrInvalidArgument,
	ErrAlreadyMember,
	ErrLeftMember,
	ErrGroupExists,
}

func isDomain(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// fail normalises an error escaping an operation and counts it. Domain and
// context errors pass through, storage lookups become ErrNotFound and
// everything else is reported as a PersistenceError.
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := "persistence"
	switch {
	case isDomain(err):
		kind = "domain"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = "canceled"
	case errors.Is(err, storage.ErrNotFound):
		kind, err = "domain", ErrNotFound
	default:
		err = storage.Wrap(op, err)
	}
	metrics.OperationErrors.WithLabelValues(op, kind).Inc()
	return err
}
