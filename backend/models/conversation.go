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
	"errors"
	"fmt"
	"strings"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "dm"
	KindGroup  ConversationKind = "group"
)

var ErrInvalidConversationKey = errors.New("invalid conversation key")

// ConversationKey scopes a message thread: an unordered user pair for direct
// conversations or a group id. Direct keys are normalised so UserA < UserB
// and two keys for the same conversation compare equal with ==.
type ConversationKey struct {
	Kind    ConversationKind
	GroupID string
	UserA   string
	UserB   string
}

// DirectKey builds the key for the conversation between two distinct users.
func DirectKey(user1, user2 string) (ConversationKey, error) {
	if user1 == "" || user2 == "" {
		return ConversationKey{}, fmt.Errorf("%w: direct conversation needs two users", ErrInvalidConversationKey)
	}
	if user1 == user2 {
		return ConversationKey{}, fmt.Errorf("%w: users cannot message themselves", ErrInvalidConversationKey)
	}
	if strings.Contains(user1, ":") || strings.Contains(user2, ":") {
		return ConversationKey{}, fmt.Errorf("%w: user id contains ':'", ErrInvalidConversationKey)
	}
	if user2 < user1 {
		user1, user2 = user2, user1
	}
	return ConversationKey{Kind: KindDirect, UserA: user1, UserB: user2}, nil
}

func GroupKey(groupID string) (ConversationKey, error) {
	if groupID == "" {
		return ConversationKey{}, fmt.Errorf("%w: empty group id", ErrInvalidConversationKey)
	}
	return ConversationKey{Kind: KindGroup, GroupID: groupID}, nil
}

// ParseConversationKey is the inverse of ConversationKey.String.
func ParseConversationKey(s string) (ConversationKey, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: %q", ErrInvalidConversationKey, s)
	}
	switch ConversationKind(kind) {
	case KindDirect:
		a, b, ok := strings.Cut(rest, ":")
		if !ok {
			return ConversationKey{}, fmt.Errorf("%w: %q", ErrInvalidConversationKey, s)
		}
		return DirectKey(a, b)
	case KindGroup:
		return GroupKey(rest)
	default:
		return ConversationKey{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidConversationKey, kind)
	}
}

func (k ConversationKey) String() string {
	if k.Kind == KindGroup {
		return string(KindGroup) + ":" + k.GroupID
	}
	return string(KindDirect) + ":" + k.UserA + ":" + k.UserB
}

func (k ConversationKey) IsDirect() bool { return k.Kind == KindDirect }
func (k ConversationKey) IsGroup() bool  { return k.Kind == KindGroup }

// Includes reports whether userID is one side of a direct conversation.
func (k ConversationKey) Includes(userID string) bool {
	return k.IsDirect() && (k.UserA == userID || k.UserB == userID)
}

// Counterpart returns the other participant of a direct conversation, or ""
// when userID is not part of it.
func (k ConversationKey) Counterpart(userID string) string {
	switch {
	case !k.IsDirect():
		return ""
	case k.UserA == userID:
		return k.UserB
	case k.UserB == userID:
		return k.UserA
	}
	return ""
}

func (k ConversationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ConversationKey) UnmarshalText(text []byte) error {
	parsed, err := ParseConversationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
