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

type Outcome string

const (
	// Delivered means the payload was queued on the session.
	Delivered Outcome = "delivered"
	// Pending means the bounded attempt timed out or the dispatch queue was
	// full. The message is still durable and readable through listing.
	Pending Outcome = "pending"
	// Disconnected means the session closed during the attempt.
	Disconnected Outcome = "disconnected"
	// Offline means the recipient has no session on this node and no relay
	// is configured.
	Offline Outcome = "offline"
	// Relayed means the payload was handed to other nodes.
	Relayed Outcome = "relayed"
)

type Result struct {
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

// Report is the per-dispatch delivery status returned alongside a create.
type Report struct {
	MessageID    int64     `json:"message_id"`
	Conversation string    `json:"conversation"`
	Event        EventType `json:"event"`
	Results      []Result  `json:"results"`
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// DeliveredTo reports whether at least one session of userID got the payload.
func (r Report) DeliveredTo(userID string) bool {
	for _, res := range r.Results {
		if res.UserID == userID && res.Outcome == Delivered {
			return true
		}
	}
	return false
}
