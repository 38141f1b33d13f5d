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
	"fmt"
	"iter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/efchatnet/efmsg/backend/delivery"
	"github.com/efchatnet/efmsg/backend/metrics"
	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

type NewMessage struct {
	SenderID     string
	Conversation models.ConversationKey
	Ciphertext   []byte
	IV           *string
	ReplyTo      *int64
	// ClientMsgID makes retries idempotent per sender.
	ClientMsgID *uuid.UUID
}

// Receipt is what a create returns. Delivery yields the live delivery report
// once fan-out finishes; it is nil for a duplicate create.
type Receipt struct {
	Message   *models.Message
	Duplicate bool
	Delivery  <-chan delivery.Report
}

func (s *Service) validate(in NewMessage) error {
	switch {
	case in.SenderID == "":
		return fmt.Errorf("%w: sender required", ErrInvalidArgument)
	case in.Conversation.Kind == "":
		return fmt.Errorf("%w: conversation required", ErrInvalidArgument)
	case len(in.Ciphertext) == 0:
		return fmt.Errorf("%w: ciphertext required", ErrInvalidArgument)
	case len(in.Ciphertext) > s.opts.MaxCiphertextBytes:
		return fmt.Errorf("%w: ciphertext exceeds %d bytes", ErrInvalidArgument, s.opts.MaxCiphertextBytes)
	}
	if in.IV == nil {
		if s.opts.RequireIV {
			return fmt.Errorf("%w: iv required", ErrInvalidArgument)
		}
		return nil
	}
	if *in.IV == "" || len(*in.IV) > models.MaxIVLength {
		return fmt.Errorf("%w: iv must be 1-%d characters", ErrInvalidArgument, models.MaxIVLength)
	}
	return nil
}

// CreateMessage persists a message from an active participant and queues it
// for live delivery. Membership, reply resolution and the insert commit
// together; delivery never affects the outcome.
func (s *Service) CreateMessage(ctx context.Context, in NewMessage) (*Receipt, error) {
	const op = "create_message"
	defer metrics.Observe(op, time.Now())

	if err := s.validate(in); err != nil {
		return nil, fail(op, err)
	}

	unlock := s.conversations.Lock(in.Conversation.String())
	defer unlock()

	var (
		msg        *models.Message
		dup        bool
		recipients []string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if in.Conversation.IsGroup() {
			if _, err := tx.LockGroup(ctx, in.Conversation.GroupID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return ErrNotAMember
				}
				return err
			}
		}
		ok, err := tx.IsActiveMember(ctx, in.Conversation, in.SenderID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAMember
		}

		if in.ClientMsgID != nil {
			existing, err := tx.FindByClientID(ctx, in.SenderID, *in.ClientMsgID)
			switch {
			case err == nil && existing.Conversation != in.Conversation:
				return fmt.Errorf("%w: client_msg_id reused in another conversation", ErrInvalidArgument)
			case err == nil:
				msg, dup = existing, true
				return nil
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		if in.ReplyTo != nil {
			if _, err := ResolveReply(ctx, tx, in.Conversation, *in.ReplyTo); err != nil {
				return err
			}
		}

		m := &models.Message{
			ClientMsgID:  in.ClientMsgID,
			SenderID:     in.SenderID,
			Conversation: in.Conversation,
			Ciphertext:   in.Ciphertext,
			IV:           in.IV,
			ReplyTo:      in.ReplyTo,
			Status:       models.MessageActive,
			Read:         models.NewReadState(in.Conversation, in.SenderID),
			CreatedAt:    s.clock(),
		}
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		msg = m

		recipients, err = s.recipients(ctx, tx, in.Conversation, in.SenderID)
		return err
	})
	if errors.Is(err, storage.ErrConflict) && in.ClientMsgID != nil {
		// A concurrent retry on another node won the unique index.
		msg, err = s.findByClientID(ctx, in)
		dup = err == nil
	}
	if err != nil {
		return nil, fail(op, err)
	}

	if dup {
		log.Debug("Duplicate create ignored", "sender", in.SenderID, "message", msg.ID)
		return &Receipt{Message: msg, Duplicate: true}, nil
	}
	log.Debug("Message created", "conversation", msg.Conversation, "message", msg.ID, "recipients", len(recipients))
	return &Receipt{
		Message:  msg,
		Delivery: s.dispatch(delivery.MessageCreated(msg.Clone()), recipients),
	}, nil
}

func (s *Service) findByClientID(ctx context.Context, in NewMessage) (*models.Message, error) {
	var msg *models.Message
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		m, err := tx.FindByClientID(ctx, in.SenderID, *in.ClientMsgID)
		if err != nil {
			return err
		}
		if m.Conversation != in.Conversation {
			return fmt.Errorf("%w: client_msg_id reused in another conversation", ErrInvalidArgument)
		}
		msg = m
		return nil
	})
	return msg, err
}

// recipients are the live delivery targets for an event by actor: the direct
// counterpart, or every other active group member.
func (s *Service) recipients(ctx context.Context, tx storage.Tx, key models.ConversationKey, actor string) ([]string, error) {
	if key.IsDirect() {
		if other := key.Counterpart(actor); other != "" {
			return []string{other}, nil
		}
		return []string{key.UserA, key.UserB}, nil
	}
	members, err := tx.ActiveMembers(ctx, key.GroupID)
	if err != nil {
		return nil, err
	}
	out := members[:0:0]
	for _, u := range members {
		if u != actor {
			out = append(out, u)
		}
	}
	return out, nil
}

// SoftDelete marks a message deleted. The sender may always delete; in groups
// active admins and the super_admin may delete anyone's message. Deleting
// twice is a no-op. Ciphertext and IV are retained.
func (s *Service) SoftDelete(ctx context.Context, key models.ConversationKey, id int64, actor string) (*models.Message, error) {
	const op = "soft_delete"
	defer metrics.Observe(op, time.Now())

	unlock := s.conversations.Lock(key.String())
	defer unlock()

	var (
		msg        *models.Message
		changed    bool
		recipients []string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		m, err := tx.GetMessage(ctx, key, id)
		if err != nil {
			return err
		}
		if m.SenderID != actor {
			if !key.IsGroup() {
				return ErrForbidden
			}
			ms, err := tx.GetMembership(ctx, key.GroupID, actor)
			if errors.Is(err, storage.ErrNotFound) {
				return ErrForbidden
			}
			if err != nil {
				return err
			}
			if !ms.Active() || !ms.Role.CanModerate() {
				return ErrForbidden
			}
		}
		if m.IsDeleted() {
			msg = m
			return nil
		}

		at := s.clock()
		if err := tx.MarkDeleted(ctx, key, id, actor, at); err != nil {
			return err
		}
		m.Status, m.DeletedAt, m.DeletedBy = models.MessageDeleted, &at, actor
		msg, changed = m, true

		recipients, err = s.recipients(ctx, tx, key, actor)
		return err
	})
	if err != nil {
		return nil, fail(op, err)
	}
	if changed {
		log.Info("Message deleted", "conversation", key, "message", id, "actor", actor)
		s.dispatch(delivery.MessageDeleted(msg, actor, *msg.DeletedAt), recipients)
	}
	return msg, nil
}

type ListRequest struct {
	Conversation models.ConversationKey
	Viewer       string
	Cursor       string
	Limit        int
	// IncludeDeleted returns soft-deleted rows. Only group moderators or
	// audit callers may ask for it.
	IncludeDeleted bool
	// Audit marks a trusted internal caller; membership checks are skipped.
	Audit bool
}

type Page struct {
	Messages   []*models.Message `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// query resolves what viewer may see of a conversation.
func (s *Service) query(ctx context.Context, req ListRequest) (storage.ListQuery, error) {
	q := storage.ListQuery{Conversation: req.Conversation, IncludeDeleted: req.IncludeDeleted}
	if req.Audit {
		return q, nil
	}

	if req.Conversation.IsDirect() {
		if !req.Conversation.Includes(req.Viewer) {
			return q, ErrNotAMember
		}
		if req.IncludeDeleted {
			return q, fmt.Errorf("%w: deleted direct messages are audit only", ErrForbidden)
		}
		return q, nil
	}

	ms, err := s.store.GetMembership(ctx, req.Conversation.GroupID, req.Viewer)
	if errors.Is(err, storage.ErrNotFound) {
		return q, ErrNotAMember
	}
	if err != nil {
		return q, err
	}
	if !ms.Active() {
		// Left members keep the history they were present for.
		q.Until = ms.LeftAt
	}
	if req.IncludeDeleted && !(ms.Active() && ms.Role.CanModerate()) {
		return q, fmt.Errorf("%w: including deleted messages needs a group admin", ErrForbidden)
	}
	return q, nil
}

func (s *Service) pageSize(limit int) int {
	switch {
	case limit <= 0:
		return s.opts.DefaultPageSize
	case limit > s.opts.MaxPageSize:
		return s.opts.MaxPageSize
	}
	return limit
}

// ListMessages returns one page in (created_at, id) order. NextCursor is
// empty on the last page.
func (s *Service) ListMessages(ctx context.Context, req ListRequest) (*Page, error) {
	const op = "list_messages"
	defer metrics.Observe(op, time.Now())

	q, err := s.query(ctx, req)
	if err != nil {
		return nil, fail(op, err)
	}
	if q.After, err = DecodeCursor(req.Cursor); err != nil {
		return nil, fail(op, err)
	}
	limit := s.pageSize(req.Limit)
	q.Limit = limit + 1

	msgs, err := s.store.ListMessages(ctx, q)
	if err != nil {
		return nil, fail(op, err)
	}
	page := &Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = EncodeCursor(storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Messages == nil {
		page.Messages = []*models.Message{}
	}
	return page, nil
}

// IterMessages walks every visible message page by page. It stops at the
// first error; cancelling ctx ends iteration with ctx.Err().
func (s *Service) IterMessages(ctx context.Context, req ListRequest) iter.Seq2[*models.Message, error] {
	return func(yield func(*models.Message, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := s.ListMessages(ctx, req)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page.Messages {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(m, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			req.Cursor = page.NextCursor
		}
	}
}

// GetMessage fetches one message visible to viewer. Deleted messages are
// reported as not found.
func (s *Service) GetMessage(ctx context.Context, key models.ConversationKey, id int64, viewer string) (*models.Message, error) {
	const op = "get_message"
	defer metrics.Observe(op, time.Now())

	q, err := s.query(ctx, ListRequest{Conversation: key, Viewer: viewer})
	if err != nil {
		return nil, fail(op, err)
	}
	var msg *models.Message
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		m, err := tx.GetMessage(ctx, key, id)
		if err != nil {
			return err
		}
		if m.IsDeleted() || (q.Until != nil && m.CreatedAt.After(*q.Until)) {
			return ErrNotFound
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}
	return msg, nil
}

// PurgeMessage hard-removes a message for retention. Replies keep existing
// with reply_to cleared. Callers are trusted.
func (s *Service) PurgeMessage(ctx context.Context, key models.ConversationKey, id int64) error {
	const op = "purge_message"
	defer metrics.Observe(op, time.Now())

	unlock := s.conversations.Lock(key.String())
	defer unlock()

	if err := s.store.PurgeMessage(ctx, key, id); err != nil {
		return fail(op, err)
	}
	log.Info("Message purged", "conversation", key, "message", id)
	return nil
}
