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
	"time"

	"github.com/google/uuid"
)

// MaxIVLength matches the iv VARCHAR(32) column.
const MaxIVLength = 32

// MessageStatus is persisted as the is_deleted column. Deleted is terminal.
type MessageStatus string

const (
	MessageActive  MessageStatus = "active"
	MessageDeleted MessageStatus = "deleted"
)

// Message is a direct or group message. Ciphertext and IV are opaque to the
// server; encryption happens at the client edge.
type Message struct {
	ID           int64           `json:"id"`
	ClientMsgID  *uuid.UUID      `json:"client_msg_id,omitempty"`
	SenderID     string          `json:"sender_id"`
	Conversation ConversationKey `json:"conversation"`
	Ciphertext   []byte          `json:"ciphertext"`
	IV           *string         `json:"iv"`
	ReplyTo      *int64          `json:"reply_to,omitempty"`
	Status       MessageStatus   `json:"status"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy    string          `json:"deleted_by,omitempty"`
	Read         ReadState       `json:"read"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (m *Message) IsDeleted() bool { return m.Status == MessageDeleted }

// Legacy reports a row written before encryption was enabled (iv is NULL).
// Its payload is served as-is and flagged so clients skip decryption.
func (m *Message) Legacy() bool { return m.IV == nil }

// Recipient returns the addressee of a direct message.
func (m *Message) Recipient() string {
	return m.Conversation.Counterpart(m.SenderID)
}

// Clone returns a deep copy so stores can hand out values without aliasing.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Ciphertext = append([]byte(nil), m.Ciphertext...)
	if m.ClientMsgID != nil {
		id := *m.ClientMsgID
		c.ClientMsgID = &id
	}
	if m.IV != nil {
		iv := *m.IV
		c.IV = &iv
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.Read != nil {
		c.Read = m.Read.clone()
	}
	return &c
}

// ReadState is the read-tracking capability of a message. Direct messages
// carry a single timestamp, group messages a per-member acknowledgement set.
type ReadState interface {
	// ReadBy returns when userID first acknowledged the message.
	ReadBy(userID string) (time.Time, bool)
	clone() ReadState
}

type DirectReadState struct {
	Recipient string     `json:"-"`
	IsRead    bool       `json:"is_read"`
	ReadAt    *time.Time `json:"read_at"`
}

func (s *DirectReadState) ReadBy(userID string) (time.Time, bool) {
	if s.ReadAt == nil || userID != s.Recipient {
		return time.Time{}, false
	}
	return *s.ReadAt, true
}

func (s *DirectReadState) clone() ReadState {
	c := *s
	if s.ReadAt != nil {
		t := *s.ReadAt
		c.ReadAt = &t
	}
	return &c
}

type GroupReadState struct {
	Acks map[string]time.Time `json:"acks"`
}

func (s *GroupReadState) ReadBy(userID string) (time.Time, bool) {
	t, ok := s.Acks[userID]
	return t, ok
}

func (s *GroupReadState) clone() ReadState {
	acks := make(map[string]time.Time, len(s.Acks))
	for k, v := range s.Acks {
		acks[k] = v
	}
	return &GroupReadState{Acks: acks}
}

// NewReadState returns the empty read state for a message in key.
func NewReadState(key ConversationKey, senderID string) ReadState {
	if key.IsGroup() {
		return &GroupReadState{Acks: map[string]time.Time{}}
	}
	return &DirectReadState{Recipient: key.Counterpart(senderID)}
}
