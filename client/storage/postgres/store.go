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

// Package postgres is the row-access collaborator for the authority's
// channels, memberships and messages tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ResolveChannel returns the channel row, including its owning garden.
func (s *Store) ResolveChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var (
		ch       models.Channel
		gardenID sql.NullString
		peerID   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, garden_id, name, kind, peer_id, created_at
		FROM channels
		WHERE channel_id = $1`, channelID).Scan(
		&ch.ChannelID, &gardenID, &ch.Name, &ch.Kind, &peerID, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %s: %w", channelID, err)
	}
	ch.GardenID = gardenID.String
	ch.PeerID = peerID.String
	return &ch, nil
}

// GetMembership returns the membership row holding the group key wrapped for userID.
func (s *Store) GetMembership(ctx context.Context, gardenID, userID string) (*models.Membership, error) {
	m := models.Membership{GardenID: gardenID, UserID: userID}
	var wrapped sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT wrapped_key, key_version, joined_at
		FROM memberships
		WHERE garden_id = $1 AND user_id = $2`,
		gardenID, userID).Scan(&wrapped, &m.KeyVersion, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	m.WrappedKey = wrapped.String
	return &m, nil
}

// MirrorMessage writes a locally created row to the authority. Replays of the
// same id are ignored.
func (s *Store) MirrorMessage(ctx context.Context, msg models.Message) error {
	var gardenID sql.NullString
	if msg.GardenID != "" {
		gardenID = sql.NullString{String: msg.GardenID, Valid: true}
	}
	var expiresAt sql.NullTime
	if exp := msg.ExpiresAt(); !exp.IsZero() {
		expiresAt = sql.NullTime{Time: exp, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
		(id, channel_id, garden_id, sender_id, ciphertext, message_type, nonce, key_version, ephemeral, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ChannelID, gardenID, msg.SenderID, msg.Ciphertext,
		string(msg.MessageType), msg.Nonce, msg.KeyVersion, msg.Ephemeral, expiresAt, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to mirror message %s: %w", msg.ID, err)
	}
	return nil
}

// MessagesSince returns the channel's rows created after since, oldest first.
func (s *Store) MessagesSince(ctx context.Context, channelID string, since time.Time, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, garden_id, sender_id, ciphertext, message_type, nonce, key_version, ephemeral, expires_at, created_at
		FROM messages
		WHERE channel_id = $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3`,
		channelID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			gardenID  sql.NullString
			nonce     sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &gardenID, &msg.SenderID, &msg.Ciphertext,
			&msg.MessageType, &nonce, &msg.KeyVersion, &msg.Ephemeral, &expiresAt, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.GardenID = gardenID.String
		msg.Nonce = nonce.String
		if expiresAt.Valid {
			msg.TTLSeconds = int64(expiresAt.Time.Sub(msg.CreatedAt) / time.Second)
		}
		msg.SyncStatus = models.SyncSynced
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
