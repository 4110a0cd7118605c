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

package models

import (
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio:
		return true
	}
	return false
}

// SyncStatus records where a locally stored row came from and whether the
// authority has confirmed it.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending" // written locally, not yet confirmed
	SyncSynced  SyncStatus = "synced"  // confirmed by or received from the authority
	SyncSeeded  SyncStatus = "seeded"  // synthetic development row, never leaves the device
)

// WelcomeText is rendered for seeded rows, which carry no ciphertext.
const WelcomeText = "Welcome to the garden. Messages here are end-to-end encrypted."

// Message is an encrypted chat message. The same shape travels inside
// outbound frames, history responses and change-feed batches.
type Message struct {
	ID          string      `json:"id" db:"id"`
	ChannelID   string      `json:"channelId" db:"channel_id"`
	GardenID    string      `json:"gardenId,omitempty" db:"garden_id"`
	SenderID    string      `json:"senderId" db:"sender_id"`
	Ciphertext  string      `json:"ciphertext" db:"ciphertext"`
	CreatedAt   time.Time   `json:"timestamp" db:"created_at"`
	MessageType MessageType `json:"messageType" db:"message_type"`
	Nonce       string      `json:"nonce,omitempty" db:"nonce"`
	KeyVersion  int         `json:"keyVersion" db:"key_version"`
	Ephemeral   bool        `json:"ephemeral,omitempty" db:"ephemeral"`
	TTLSeconds  int64       `json:"ttl,omitempty" db:"ttl_seconds"`
	SyncStatus  SyncStatus  `json:"syncStatus,omitempty" db:"sync_status"`
}

// ExpiresAt returns the instant an ephemeral message expires. Non-ephemeral
// messages return the zero time.
func (m Message) ExpiresAt() time.Time {
	if !m.Ephemeral || m.TTLSeconds <= 0 {
		return time.Time{}
	}
	return m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second)
}

func (m Message) Expired(now time.Time) bool {
	exp := m.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Newer orders messages for display: later created_at first, ties broken by id.
func Newer(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// DecryptedMessage is the view handed to the UI layer.
type DecryptedMessage struct {
	Message
	Plaintext string `json:"plaintext"`
}

// SyncCursor is the per-channel high-water mark used to request only newer history.
type SyncCursor struct {
	ChannelID string    `json:"channel_id"`
	CreatedAt time.Time `json:"created_at"`
	MessageID string    `json:"message_id"`
}

// IsZero reports whether the channel has no known messages yet.
func (c SyncCursor) IsZero() bool {
	return c.MessageID == "" && c.CreatedAt.IsZero()
}

// ChangeBatch is one delivery from the remote change feed.
type ChangeBatch struct {
	Table   string    `json:"table"`
	Type    string    `json:"type"` // "INSERT", "UPDATE" or "DELETE"
	Records []Message `json:"records"`
}
