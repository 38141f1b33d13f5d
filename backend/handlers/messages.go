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
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/messaging"
	"github.com/efchatnet/efmsg/backend/middleware"
	"github.com/efchatnet/efmsg/backend/models"
)

// AuditRole is the token role that unlocks deleted rows in direct
// conversations.
const AuditRole = "audit"

// MessageService is the part of messaging.Service the message routes use.
type MessageService interface {
	CreateMessage(ctx context.Context, in messaging.NewMessage) (*messaging.Receipt, error)
	SoftDelete(ctx context.Context, key models.ConversationKey, id int64, actor string) (*models.Message, error)
	ListMessages(ctx context.Context, req messaging.ListRequest) (*messaging.Page, error)
	GetMessage(ctx context.Context, key models.ConversationKey, id int64, viewer string) (*models.Message, error)
	MarkRead(ctx context.Context, id int64, reader string) (*models.Message, error)
	DirectUnreadCount(ctx context.Context, userID string) (int, error)
}

type MessageHandler struct {
	svc       MessageService
	bodyLimit int64

	// reportWait bounds how long a create waits for its delivery report when
	// the caller asks for it.
	reportWait time.Duration
}

// NewMessageHandler caps create bodies to fit maxCiphertextBytes of
// base64-encoded ciphertext.
func NewMessageHandler(svc MessageService, maxCiphertextBytes int, reportWait time.Duration) *MessageHandler {
	if maxCiphertextBytes <= 0 {
		maxCiphertextBytes = messaging.DefaultOptions().MaxCiphertextBytes
	}
	if reportWait <= 0 {
		reportWait = 2 * time.Second
	}
	return &MessageHandler{
		svc:        svc,
		bodyLimit:  messageBodyLimit(maxCiphertextBytes),
		reportWait: reportWait,
	}
}

type createMessageRequest struct {
	Ciphertext  []byte     `json:"ciphertext"`
	IV          *string    `json:"iv"`
	ReplyTo     *int64     `json:"reply_to,omitempty"`
	ClientMsgID *uuid.UUID `json:"client_msg_id,omitempty"`
}

type createMessageResponse struct {
	Message   *models.Message  `json:"message"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Delivery  *delivery.Report `json:"delivery,omitempty"`
}

// parseConversationKey parses a conversation key as seen by userID.
// "dm:<peer>" is accepted as shorthand for the caller's direct conversation
// with peer.
func parseConversationKey(raw, userID string) (models.ConversationKey, error) {
	if rest, ok := strings.CutPrefix(raw, string(models.KindDirect)+":"); ok && !strings.Contains(rest, ":") {
		return models.DirectKey(userID, rest)
	}
	return models.ParseConversationKey(raw)
}

// conversationKey reads the {key} path variable.
func conversationKey(r *http.Request, userID string) (models.ConversationKey, error) {
	return parseConversationKey(mux.Vars(r)["key"], userID)
}

func messageID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad message id", messaging.ErrInvalidArgument)
	}
	return id, nil
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "no authenticated user"})
	}
	return userID, ok
}

func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	key, err := conversationKey(r, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createMessageRequest
	if err := decodeJSON(w, r, &req, h.bodyLimit); err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := h.svc.CreateMessage(r.Context(), messaging.NewMessage{
		SenderID:     userID,
		Conversation: key,
		Ciphertext:   req.Ciphertext,
		IV:           req.IV,
		ReplyTo:      req.ReplyTo,
		ClientMsgID:  req.ClientMsgID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := createMessageResponse{Message: receipt.Message, Duplicate: receipt.Duplicate}
	if r.URL.Query().Get("wait") == "delivery" && receipt.Delivery != nil {
		select {
		case rep, ok := <-receipt.Delivery:
			if ok {
				resp.Delivery = &rep
			}
		case <-time.After(h.reportWait):
		case <-r.Context().Done():
		}
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	key, err := conversationKey(r, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	req := messaging.ListRequest{
		Conversation: key,
		Viewer:       userID,
		Cursor:       q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad limit", messaging.ErrInvalidArgument))
			return
		}
		req.Limit = n
	}
	if v := q.Get("include_deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad include_deleted", messaging.ErrInvalidArgument))
			return
		}
		req.IncludeDeleted = b
	}
	if claims, ok := middleware.GetClaims(r); ok {
		req.Audit = slices.Contains(claims.Roles, AuditRole)
	}

	page, err := h.svc.ListMessages(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	key, err := conversationKey(r, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.GetMessage(r.Context(), key, id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	key, err := conversationKey(r, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.SoftDelete(r.Context(), key, id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.MarkRead(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) DirectUnread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.svc.DirectUnreadCount(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}
