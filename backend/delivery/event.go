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

package delivery

import (
	"time"

	"github.com/efchatnet/efmsg/backend/models"
)

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageDeleted EventType = "message.deleted"
	EventMessageRead    EventType = "message.read"
	EventMessageAcked   EventType = "message.acked"
)

// Event is the JSON frame pushed to live sessions.
type Event struct {
	Type         EventType       `json:"type"`
	Conversation string          `json:"conversation"`
	MessageID    int64           `json:"message_id"`
	Message      *models.Message `json:"message,omitempty"`
	Legacy       bool            `json:"legacy,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	At           *time.Time      `json:"at,omitempty"`
}

func MessageCreated(m *models.Message) Event {
	return Event{
		Type:         EventMessageCreated,
		Conversation: m.Conversation.String(),
		MessageID:    m.ID,
		Message:      m,
		Legacy:       m.Legacy(),
	}
}

func MessageDeleted(m *models.Message, actor string, at time.Time) Event {
	return Event{
		Type:         EventMessageDeleted,
		Conversation: m.Conversation.String(),
		MessageID:    m.ID,
		UserID:       actor,
		At:           &at,
	}
}

// MessageRead tells the sender a direct message was read, or with
// EventMessageAcked that a group member acknowledged it.
func MessageRead(m *models.Message, reader string, at time.Time) Event {
	t := EventMessageRead
	if m.Conversation.IsGroup() {
		t = EventMessageAcked
	}
	return Event{
		Type:         t,
		Conversation: m.Conversation.String(),
		MessageID:    m.ID,
		UserID:       reader,
		At:           &at,
	}
}
