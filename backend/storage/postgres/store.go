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

// Package postgres is the lib/pq backed Store. Direct and group messages
// live in separate tables that draw ids from one sequence, so a message id is
// unique across both.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efmsg/backend/models"
	"github.com/efchatnet/efmsg/backend/storage"
)

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Wrap("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		return err
	}
	return storage.Wrap("commit", sqlTx.Commit())
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	q querier
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// mapErr turns driver errors into storage sentinels and tags the rest.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Constraint)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pqErr.Constraint)
		}
	}
	return storage.Wrap(op, err)
}

// affected reports whether res touched any row.
func affected(op string, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Wrap(op, err)
	}
	return n > 0, nil
}

func isActiveMember(ctx context.Context, q querier, key models.ConversationKey, userID string) (bool, error) {
	if key.IsDirect() {
		return key.Includes(userID), nil
	}
	var ok bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2 AND status = 'active'
		)`,
		key.GroupID, userID).Scan(&ok)
	return ok, mapErr("is_active_member", err)
}

func (s *Store) IsActiveMember(ctx context.Context, key models.ConversationKey, userID string) (bool, error) {
	return isActiveMember(ctx, s.db, key, userID)
}

func (t *tx) IsActiveMember(ctx context.Context, key models.ConversationKey, userID string) (bool, error) {
	return isActiveMember(ctx, t.q, key, userID)
}

func (s *Store) GetRole(ctx context.Context, groupID, userID string) (models.Role, error) {
	m, err := getMembership(ctx, s.db, groupID, userID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

func (t *tx) GetRole(ctx context.Context, groupID, userID string) (models.Role, error) {
	m, err := getMembership(ctx, t.q, groupID, userID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

func (s *Store) GetMembership(ctx context.Context, groupID, userID string) (*models.GroupMembership, error) {
	return getMembership(ctx, s.db, groupID, userID)
}

func (t *tx) GetMembership(ctx context.Context, groupID, userID string) (*models.GroupMembership, error) {
	return getMembership(ctx, t.q, groupID, userID)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
