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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/efchatnet/efmsg/backend/messaging"
	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps an operation error to an HTTP status and a stable code.
func classify(err error) (int, string) {
	var pe *storage.PersistenceError
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, messaging.ErrInvalidArgument), errors.Is(err, models.ErrInvalidConversationKey):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, messaging.ErrNotAMember):
		return http.StatusForbidden, "not_a_member"
	case errors.Is(err, messaging.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, messaging.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, messaging.ErrSuperAdminRequired):
		return http.StatusConflict, "super_admin_required"
	case errors.Is(err, messaging.ErrAlreadyMember):
		return http.StatusConflict, "already_member"
	case errors.Is(err, messaging.ErrLeftMember):
		return http.StatusConflict, "left_member"
	case errors.Is(err, messaging.ErrGroupExists):
		return http.StatusConflict, "group_exists"
	case errors.Is(err, messaging.ErrInvalidReply):
		return http.StatusUnprocessableEntity, "invalid_reply"
	case errors.As(err, &pe), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "storage temporarily unavailable, retry later"
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "err", err)
	}
}

// defaultBodyLimit caps request bodies that carry no ciphertext.
const defaultBodyLimit = 64 << 10

var errBodyTooLarge = errors.New("request body too large")

// messageBodyLimit sizes a message body: the base64 form of the largest
// ciphertext plus room for the remaining fields.
func messageBodyLimit(maxCiphertextBytes int) int64 {
	return int64(base64.StdEncoding.EncodedLen(maxCiphertextBytes)) + 4<<10
}

// decodeJSON reads at most limit bytes of JSON into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return errors.Join(messaging.ErrInvalidArgument, err)
	}
	return nil
}
