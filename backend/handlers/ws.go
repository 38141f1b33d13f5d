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

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/messaging"
	"github.com/efchatnet/efmsg/backend/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 128 << 10
)

// SocketService is what live sessions can do besides receiving events.
type SocketService interface {
	CreateMessage(ctx context.Context, in messaging.NewMessage) (*messaging.Receipt, error)
	MarkRead(ctx context.Context, id int64, reader string) (*models.Message, error)
	AckRead(ctx context.Context, groupID string, id int64, reader string) (bool, error)
}

// clientFrame is a request sent by the client over the socket.
type clientFrame struct {
	Type         string     `json:"type"`
	Ref          string     `json:"ref,omitempty"`
	Conversation string     `json:"conversation,omitempty"`
	GroupID      string     `json:"group_id,omitempty"`
	MessageID    int64      `json:"message_id,omitempty"`
	Ciphertext   []byte     `json:"ciphertext,omitempty"`
	IV           *string    `json:"iv,omitempty"`
	ReplyTo      *int64     `json:"reply_to,omitempty"`
	ClientMsgID  *uuid.UUID `json:"client_msg_id,omitempty"`
}

// replyFrame answers a clientFrame; Ref echoes the request's ref.
type replyFrame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Message *models.Message `json:"message,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

type WSHandler struct {
	hub      *delivery.Hub
	svc      SocketService
	buffer   int
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *delivery.Hub, svc SocketService, allowedOrigins []string, sessionBuffer int) *WSHandler {
	h := &WSHandler{hub: hub, svc: svc, buffer: sessionBuffer}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		// Same host is always fine.
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// ServeWS upgrades the request and attaches a session for the caller.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "user", userID, "err", err)
		return
	}
	s := delivery.NewSession(userID, h.buffer)
	h.hub.Register(s)
	log.Info("Websocket connected", "user", userID, "session", s.ID())

	go h.writePump(conn, s)
	go h.readPump(conn, s)
}

func (h *WSHandler) readPump(conn *websocket.Conn, s *delivery.Session) {
	defer func() {
		h.hub.Unregister(s)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("Websocket read failed", "user", s.UserID(), "err", err)
			}
			return
		}
		reply := h.handleFrame(context.Background(), s.UserID(), data)
		payload, err := json.Marshal(reply)
		if err != nil {
			log.Error("Failed to encode reply", "err", err)
			continue
		}
		if res := delivery.PushWithTimeout(context.Background(), s, payload, writeWait); res.Outcome == delivery.Disconnected {
			return
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, s *delivery.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload := <-s.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.hub.Unregister(s)
				return
			}
		case <-s.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unregister(s)
				return
			}
		}
	}
}

func (h *WSHandler) handleFrame(ctx context.Context, userID string, data []byte) replyFrame {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return errorFrame("", fmt.Errorf("%w: malformed frame", messaging.ErrInvalidArgument))
	}

	switch f.Type {
	case "send":
		key, err := parseConversationKey(f.Conversation, userID)
		if err != nil {
			return errorFrame(f.Ref, err)
		}
		receipt, err := h.svc.CreateMessage(ctx, messaging.NewMessage{
			SenderID:     userID,
			Conversation: key,
			Ciphertext:   f.Ciphertext,
			IV:           f.IV,
			ReplyTo:      f.ReplyTo,
			ClientMsgID:  f.ClientMsgID,
		})
		if err != nil {
			return errorFrame(f.Ref, err)
		}
		return replyFrame{Type: "sent", Ref: f.Ref, Message: receipt.Message}
	case "read":
		m, err := h.svc.MarkRead(ctx, f.MessageID, userID)
		if err != nil {
			return errorFrame(f.Ref, err)
		}
		return replyFrame{Type: "read", Ref: f.Ref, Message: m}
	case "ack":
		if _, err := h.svc.AckRead(ctx, f.GroupID, f.MessageID, userID); err != nil {
			return errorFrame(f.Ref, err)
		}
		return replyFrame{Type: "acked", Ref: f.Ref}
	}
	return errorFrame(f.Ref, fmt.Errorf("%w: unknown frame type %q", messaging.ErrInvalidArgument, f.Type))
}

func errorFrame(ref string, err error) replyFrame {
	_, code := classify(err)
	msg := err.Error()
	if code == "unavailable" || code == "internal" {
		log.Error("Socket request failed", "err", err)
		msg = "request failed"
	}
	return replyFrame{Type: "error", Ref: ref, Error: &errorBody{Error: code, Message: msg}}
}
