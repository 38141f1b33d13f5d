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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/messaging"
	"github.com/efchatnet/efmsg/backend/middleware"
	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage/memory"
)

const testSecret = "handler-test-secret"

type testServer struct {
	*httptest.Server
	hub *delivery.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := delivery.NewHub()
	coord := delivery.NewCoordinator(hub, nil, delivery.Options{Lanes: 2, LaneBuffer: 16, PushTimeout: time.Second, Parallelism: 2})
	svc := messaging.NewService(memory.NewStore(), coord, messaging.Options{RequireIV: true})

	msgs := NewMessageHandler(svc, messaging.DefaultOptions().MaxCiphertextBytes, time.Second)
	groups := NewGroupHandler(svc)
	ws := NewWSHandler(hub, svc, []string{"*"}, 8)

	r := mux.NewRouter()
	api := r.PathPrefix("/api/msg").Subrouter()
	api.Use(middleware.NewAuthMiddleware(testSecret, ""))
	api.HandleFunc("/conversations/{key}/messages", msgs.CreateMessage).Methods("POST")
	api.HandleFunc("/conversations/{key}/messages", msgs.ListMessages).Methods("GET")
	api.HandleFunc("/conversations/{key}/messages/{id}", msgs.GetMessage).Methods("GET")
	api.HandleFunc("/conversations/{key}/messages/{id}", msgs.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/messages/{id}/read", msgs.MarkRead).Methods("POST")
	api.HandleFunc("/messages/unread", msgs.DirectUnread).Methods("GET")
	api.HandleFunc("/groups", groups.CreateGroup).Methods("POST")
	api.HandleFunc("/groups/{groupId}", groups.GetGroup).Methods("GET")
	api.HandleFunc("/groups/{groupId}/members", groups.GetMembers).Methods("GET")
	api.HandleFunc("/groups/{groupId}/join", groups.Join).Methods("POST")
	api.HandleFunc("/groups/{groupId}/leave", groups.Leave).Methods("POST")
	api.HandleFunc("/groups/{groupId}/rejoin", groups.Rejoin).Methods("POST")
	api.HandleFunc("/groups/{groupId}/promote", groups.Promote).Methods("POST")
	api.HandleFunc("/groups/{groupId}/demote", groups.Demote).Methods("POST")
	api.HandleFunc("/groups/{groupId}/messages/{id}/ack", groups.AckMessage).Methods("POST")
	api.HandleFunc("/groups/{groupId}/unread", groups.Unread).Methods("GET")
	api.HandleFunc("/ws", ws.ServeWS).Methods("GET")

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		coord.Close()
	})
	return &testServer{Server: srv, hub: hub}
}

func token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	claims := middleware.Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+"/api/msg"+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func sendBody(text string) map[string]any {
	return map[string]any{"ciphertext": []byte(text), "iv": "000102030405060708090a0b"}
}

func TestMessageRoutes(t *testing.T) {
	s := newTestServer(t)
	alice, bob, carol := token(t, "alice"), token(t, "bob"), token(t, "carol")

	status, body := s.do(t, "POST", "/conversations/dm:bob/messages", alice, sendBody("hi"))
	require.Equal(t, http.StatusCreated, status, body)
	msg := body["message"].(map[string]any)
	id := int64(msg["id"].(float64))
	assert.Equal(t, "dm:alice:bob", msg["conversation"])

	status, body = s.do(t, "GET", "/conversations/dm:alice/messages", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 1)

	status, body = s.do(t, "GET", "/conversations/dm:alice:bob/messages", carol, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_a_member", body["error"])

	status, body = s.do(t, "GET", "/messages/unread", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["unread"])

	status, _ = s.do(t, "POST", fmt.Sprintf("/messages/%d/read", id), alice, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(t, "POST", fmt.Sprintf("/messages/%d/read", id), bob, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = s.do(t, "GET", "/messages/unread", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["unread"])

	status, _ = s.do(t, "DELETE", fmt.Sprintf("/conversations/dm:bob/messages/%d", id), bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, body = s.do(t, "DELETE", fmt.Sprintf("/conversations/dm:bob/messages/%d", id), alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.MessageDeleted), body["status"])

	status, body = s.do(t, "GET", "/conversations/dm:bob/messages", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["messages"])

	status, _ = s.do(t, "GET", "/conversations/dm:bob/messages?include_deleted=true", alice, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, body = s.do(t, "GET", "/conversations/dm:alice:bob/messages?include_deleted=true", token(t, "alice", AuditRole), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 1)
}

func TestCreateMessageErrors(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"self conversation", "/conversations/dm:alice/messages", sendBody("x"), http.StatusBadRequest, "invalid_argument"},
		{"bad key", "/conversations/chan:x/messages", sendBody("x"), http.StatusBadRequest, "invalid_argument"},
		{"missing iv", "/conversations/dm:bob/messages", map[string]any{"ciphertext": []byte("x")}, http.StatusBadRequest, "invalid_argument"},
		{"reply elsewhere", "/conversations/dm:bob/messages", map[string]any{"ciphertext": []byte("x"), "iv": "aa", "reply_to": 999}, http.StatusUnprocessableEntity, "invalid_reply"},
		{"unknown group", "/conversations/group:nope/messages", sendBody("x"), http.StatusForbidden, "not_a_member"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, "POST", tt.path, alice, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestCreateMessageBodyLimit(t *testing.T) {
	svc := messaging.NewService(memory.NewStore(), nil, messaging.Options{RequireIV: true})
	h := NewMessageHandler(svc, 16, time.Second)

	post := func(ciphertext []byte) *httptest.ResponseRecorder {
		raw, err := json.Marshal(map[string]any{"ciphertext": ciphertext, "iv": "aa"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/msg/conversations/dm:bob/messages", bytes.NewReader(raw))
		req = mux.SetURLVars(req, map[string]string{"key": "dm:bob"})
		req = req.WithContext(middleware.WithClaims(req.Context(), &middleware.Claims{UserID: "alice"}))
		rec := httptest.NewRecorder()
		h.CreateMessage(rec, req)
		return rec
	}

	rec := post(bytes.Repeat([]byte("x"), 16<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")

	rec = post([]byte("fits"))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.URL + "/api/msg/messages/unread")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdempotentCreate(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice")
	body := sendBody("once")
	body["client_msg_id"] = "5b0c7a8e-2f7e-4a57-9f43-2b7f1e0f9b11"

	status, first := s.do(t, "POST", "/conversations/dm:bob/messages", alice, body)
	require.Equal(t, http.StatusCreated, status)
	status, second := s.do(t, "POST", "/conversations/dm:bob/messages", alice, body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["message"].(map[string]any)["id"], second["message"].(map[string]any)["id"])
}

func TestGroupRoutes(t *testing.T) {
	s := newTestServer(t)
	alice, bob := token(t, "alice"), token(t, "bob")

	status, body := s.do(t, "POST", "/groups", alice, map[string]any{"group_id": "g1"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice", body["super_admin"])

	status, body = s.do(t, "POST", "/groups", bob, map[string]any{"group_id": "g1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "group_exists", body["error"])

	status, _ = s.do(t, "POST", "/groups/g1/join", bob, nil)
	require.Equal(t, http.StatusOK, status)
	status, body = s.do(t, "POST", "/groups/g1/join", bob, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_member", body["error"])

	status, body = s.do(t, "POST", "/conversations/group:g1/messages", alice, sendBody("hello group"))
	require.Equal(t, http.StatusCreated, status)
	id := int64(body["message"].(map[string]any)["id"].(float64))

	status, body = s.do(t, "GET", "/groups/g1/unread", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["unread"])

	status, body = s.do(t, "POST", fmt.Sprintf("/groups/g1/messages/%d/ack", id), bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["first"])
	status, body = s.do(t, "POST", fmt.Sprintf("/groups/g1/messages/%d/ack", id), bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["first"])

	status, body = s.do(t, "POST", "/groups/g1/leave", alice, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "super_admin_required", body["error"])

	status, body = s.do(t, "POST", "/groups/g1/leave", alice, map[string]any{"replacement": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.MemberLeft), body["status"])

	status, body = s.do(t, "GET", "/groups/g1", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", body["group"].(map[string]any)["super_admin"])

	status, body = s.do(t, "POST", "/groups/g1/join", alice, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "left_member", body["error"])
	status, body = s.do(t, "POST", "/groups/g1/rejoin", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.RoleMember), body["role"])

	status, body = s.do(t, "POST", "/groups/g1/promote", alice, map[string]any{"user_id": "alice"})
	assert.Equal(t, http.StatusForbidden, status, body)
	status, body = s.do(t, "POST", "/groups/g1/promote", bob, map[string]any{"user_id": "alice", "role": "admin"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.RoleAdmin), body["role"])
	status, _ = s.do(t, "POST", "/groups/g1/promote", bob, map[string]any{"user_id": "alice", "role": "boss"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, body = s.do(t, "POST", "/groups/g1/demote", alice, map[string]any{"user_id": "bob"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["error"])
	status, body = s.do(t, "POST", "/groups/g1/demote", bob, map[string]any{"user_id": "bob"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "super_admin_required", body["error"])

	status, _ = s.do(t, "GET", "/groups/g1/members", token(t, "mallory"), nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func dialWS(t *testing.T, s *testServer, bearer string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/msg/ws?token=" + bearer
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestWebsocketDelivery(t *testing.T) {
	s := newTestServer(t)
	bobConn := dialWS(t, s, token(t, "bob"))
	require.Eventually(t, func() bool { return s.hub.Online("bob") }, 2*time.Second, 10*time.Millisecond)

	status, body := s.do(t, "POST", "/conversations/dm:bob/messages?wait=delivery", token(t, "alice"), sendBody("live"))
	require.Equal(t, http.StatusCreated, status)
	report := body["delivery"].(map[string]any)
	results := report["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, string(delivery.Delivered), results[0].(map[string]any)["outcome"])

	var ev struct {
		Type      delivery.EventType `json:"type"`
		MessageID int64              `json:"message_id"`
		Message   struct {
			Ciphertext []byte `json:"ciphertext"`
		} `json:"message"`
	}
	readFrame(t, bobConn, &ev)
	assert.Equal(t, delivery.EventMessageCreated, ev.Type)
	assert.Equal(t, []byte("live"), ev.Message.Ciphertext)

	// Bob marks it read over the socket; the reply echoes the ref.
	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "read", "ref": "r1", "message_id": ev.MessageID}))
	var reply struct {
		Type    string `json:"type"`
		Ref     string `json:"ref"`
		Message struct {
			Read struct {
				IsRead bool `json:"is_read"`
			} `json:"read"`
		} `json:"message"`
	}
	readFrame(t, bobConn, &reply)
	assert.Equal(t, "read", reply.Type)
	assert.Equal(t, "r1", reply.Ref)
	assert.True(t, reply.Message.Read.IsRead)

	// the socket accepts the same dm:<peer> shorthand as the REST routes
	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"type":         "send",
		"ref":          "s1",
		"conversation": "dm:alice",
		"ciphertext":   []byte("back at you"),
		"iv":           "000102030405060708090a0b",
	}))
	var sent struct {
		Type    string `json:"type"`
		Ref     string `json:"ref"`
		Message struct {
			SenderID     string `json:"sender_id"`
			Conversation string `json:"conversation"`
		} `json:"message"`
	}
	readFrame(t, bobConn, &sent)
	assert.Equal(t, "sent", sent.Type)
	assert.Equal(t, "s1", sent.Ref)
	assert.Equal(t, "bob", sent.Message.SenderID)
	assert.Equal(t, "dm:alice:bob", sent.Message.Conversation)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "bogus", "ref": "r2"}))
	var bad struct {
		Type  string    `json:"type"`
		Error errorBody `json:"error"`
	}
	readFrame(t, bobConn, &bad)
	assert.Equal(t, "error", bad.Type)
	assert.Equal(t, "invalid_argument", bad.Error.Error)

	bobConn.Close()
	require.Eventually(t, func() bool { return !s.hub.Online("bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestClassify(t *testing.T) {
	status, code := classify(fmt.Errorf("wrapped: %w", messaging.ErrInvalidReply))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "invalid_reply", code)

	status, _ = classify(fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
