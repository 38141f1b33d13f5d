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

	"github.com/gorilla/mux"

	"github.com/efchatnet/efmsg/backend/messaging"
	"github.com/efchatnet/efmsg/backend/models"
)

// GroupService is the part of messaging.Service the group routes use.
type GroupService interface {
	CreateGroup(ctx context.Context, groupID, creator string) (*models.Group, error)
	Group(ctx context.Context, groupID string) (*models.Group, error)
	Members(ctx context.Context, groupID, viewer string) ([]models.GroupMembership, error)
	Join(ctx context.Context, groupID, userID string) (*models.GroupMembership, error)
	Leave(ctx context.Context, groupID, userID, replacement string) (*models.GroupMembership, error)
	Rejoin(ctx context.Context, groupID, userID string) (*models.GroupMembership, error)
	Promote(ctx context.Context, groupID, actor, target string, role models.Role) (*models.GroupMembership, error)
	Demote(ctx context.Context, groupID, actor, target string) (*models.GroupMembership, error)
	AckRead(ctx context.Context, groupID string, id int64, reader string) (bool, error)
	UnreadCount(ctx context.Context, groupID, member string) (int, error)
}

type GroupHandler struct {
	svc GroupService
}

func NewGroupHandler(svc GroupService) *GroupHandler {
	return &GroupHandler{svc: svc}
}

func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		GroupID string `json:"group_id,omitempty"`
	}
	if err := decodeJSON(w, r, &req, defaultBodyLimit); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := h.svc.CreateGroup(r.Context(), req.GroupID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	groupID := mux.Vars(r)["groupId"]
	// Only members may see the group; Members performs that check.
	members, err := h.svc.Members(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := h.svc.Group(r.Context(), groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":   g,
		"members": members,
	})
}

func (h *GroupHandler) GetMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	groupID := mux.Vars(r)["groupId"]
	members, err := h.svc.Members(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id": groupID,
		"members":  members,
	})
}

func (h *GroupHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Join(r.Context(), mux.Vars(r)["groupId"], userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *GroupHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Replacement string `json:"replacement,omitempty"`
	}
	if err := decodeJSON(w, r, &req, defaultBodyLimit); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.Leave(r.Context(), mux.Vars(r)["groupId"], userID, req.Replacement)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *GroupHandler) Rejoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Rejoin(r.Context(), mux.Vars(r)["groupId"], userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type roleChangeRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

func (h *GroupHandler) Promote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(w, r, &req, defaultBodyLimit); err != nil {
		writeError(w, r, err)
		return
	}
	role := models.RoleAdmin
	if req.Role != "" {
		parsed, err := models.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", messaging.ErrInvalidArgument, err))
			return
		}
		role = parsed
	}
	m, err := h.svc.Promote(r.Context(), mux.Vars(r)["groupId"], userID, req.UserID, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *GroupHandler) Demote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(w, r, &req, defaultBodyLimit); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.Demote(r.Context(), mux.Vars(r)["groupId"], userID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *GroupHandler) AckMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	first, err := h.svc.AckRead(r.Context(), mux.Vars(r)["groupId"], id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "acked": true, "first": first})
}

func (h *GroupHandler) Unread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	groupID := mux.Vars(r)["groupId"]
	n, err := h.svc.UnreadCount(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "unread": n})
}
