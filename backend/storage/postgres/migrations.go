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

package postgres

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Shared id space for direct and group messages
		`CREATE SEQUENCE IF NOT EXISTS message_ids`,

		// Groups table
		`CREATE TABLE IF NOT EXISTS groups (
			group_id VARCHAR(255) PRIMARY KEY,
			super_admin VARCHAR(255) NOT NULL,
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// The single admin-role column used to be called admin
		`DO $$
		BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'groups' AND column_name = 'admin'
			) THEN
				ALTER TABLE groups RENAME COLUMN admin TO super_admin;
			END IF;
		END $$`,

		// Databases created before the column existed
		`ALTER TABLE groups ADD COLUMN IF NOT EXISTS super_admin VARCHAR(255)`,
		`UPDATE groups SET super_admin = created_by WHERE super_admin IS NULL`,

		// Group members table
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'active',
			role VARCHAR(20) NOT NULL DEFAULT 'member',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			left_at TIMESTAMPTZ,
			PRIMARY KEY (group_id, user_id),
			FOREIGN KEY (group_id) REFERENCES groups(group_id) ON DELETE CASCADE
		)`,
		`ALTER TABLE group_members ADD COLUMN IF NOT EXISTS status VARCHAR(10) NOT NULL DEFAULT 'active'`,
		`ALTER TABLE group_members ADD COLUMN IF NOT EXISTS role VARCHAR(20) NOT NULL DEFAULT 'member'`,
		`ALTER TABLE group_members ADD COLUMN IF NOT EXISTS left_at TIMESTAMPTZ`,

		// Relabel the legacy spelling and promote creators of groups that
		// predate roles
		`UPDATE group_members SET role = 'super_admin' WHERE role = 'owner'`,
		`UPDATE group_members gm SET role = 'super_admin'
		FROM groups g
		WHERE gm.group_id = g.group_id AND gm.user_id = g.super_admin AND gm.role = 'member'
			AND NOT EXISTS (
				SELECT 1 FROM group_members o
				WHERE o.group_id = g.group_id AND o.role = 'super_admin'
			)`,

		// At most one super_admin per group
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_group_single_super_admin
		ON group_members(group_id)
		WHERE role = 'super_admin'`,

		// Direct messages table
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY DEFAULT nextval('message_ids'),
			client_msg_id UUID,
			sender_id VARCHAR(255) NOT NULL,
			recipient_id VARCHAR(255) NOT NULL,
			user_a VARCHAR(255) NOT NULL,
			user_b VARCHAR(255) NOT NULL,
			ciphertext BYTEA NOT NULL,
			iv VARCHAR(32),
			reply_to BIGINT REFERENCES messages(id) ON DELETE SET NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMPTZ,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			deleted_by VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT ordered_users CHECK (user_a < user_b)
		)`,

		// Create index for conversation listing
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(user_a, user_b, created_at, id)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_unread
		ON messages(recipient_id)
		WHERE is_read = FALSE AND is_deleted = FALSE`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
		ON messages(sender_id, client_msg_id)
		WHERE client_msg_id IS NOT NULL`,

		// Group messages table
		`CREATE TABLE IF NOT EXISTS group_messages (
			id BIGINT PRIMARY KEY DEFAULT nextval('message_ids'),
			client_msg_id UUID,
			group_id VARCHAR(255) NOT NULL,
			sender_id VARCHAR(255) NOT NULL,
			ciphertext BYTEA NOT NULL,
			iv VARCHAR(32),
			reply_to BIGINT REFERENCES group_messages(id) ON DELETE SET NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMPTZ,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			deleted_by VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (group_id) REFERENCES groups(group_id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_group_messages_conversation
		ON group_messages(group_id, created_at, id)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_group_messages_client_id
		ON group_messages(sender_id, client_msg_id)
		WHERE client_msg_id IS NOT NULL`,

		// Per-member acknowledgements of group messages
		`CREATE TABLE IF NOT EXISTS group_message_reads (
			message_id BIGINT NOT NULL REFERENCES group_messages(id) ON DELETE CASCADE,
			user_id VARCHAR(255) NOT NULL,
			read_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_group_message_reads_user
		ON group_message_reads(user_id, message_id)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	log.Info("Database schema up to date", "steps", len(migrations))
	return nil
}
