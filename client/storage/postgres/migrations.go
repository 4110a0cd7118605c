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

import "fmt"

// Migrate creates the authority tables this client reads and mirrors into.
// Production backends own their schema; this exists for development stacks.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS gardens (
			garden_id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS channels (
			channel_id VARCHAR(255) PRIMARY KEY,
			garden_id VARCHAR(255) REFERENCES gardens(garden_id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL DEFAULT '',
			kind VARCHAR(20) NOT NULL CHECK (kind IN ('garden', 'direct')),
			peer_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// wrapped_key holds the group key wrapped for user_id, never the plaintext key
		`CREATE TABLE IF NOT EXISTS memberships (
			garden_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			wrapped_key TEXT,
			key_version INTEGER NOT NULL DEFAULT 1,
			joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (garden_id, user_id),
			FOREIGN KEY (garden_id) REFERENCES gardens(garden_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(255) PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			garden_id VARCHAR(255),
			sender_id VARCHAR(255) NOT NULL,
			ciphertext TEXT NOT NULL,
			message_type VARCHAR(20) NOT NULL DEFAULT 'text',
			nonce TEXT,
			key_version INTEGER NOT NULL DEFAULT 1,
			ephemeral BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_channel_messages
		ON messages(channel_id, created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}

	return nil
}
