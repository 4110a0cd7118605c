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

type ChannelKind string

const (
	ChannelKindGarden ChannelKind = "garden"
	ChannelKindDirect ChannelKind = "direct"
)

// Garden is a group container owning channels and a membership list
type Garden struct {
	GardenID  string    `json:"garden_id" db:"garden_id"`
	Name      string    `json:"name" db:"name"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Channel is a message stream in a garden, or a direct channel between two users.
type Channel struct {
	ChannelID string      `json:"channel_id" db:"channel_id"`
	GardenID  string      `json:"garden_id,omitempty" db:"garden_id"`
	Name      string      `json:"name" db:"name"`
	Kind      ChannelKind `json:"kind" db:"kind"`
	PeerID    string      `json:"peer_id,omitempty" db:"peer_id"` // direct channels only
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

func (c Channel) IsDirect() bool {
	return c.Kind == ChannelKindDirect
}

// Membership ties a user to a garden. WrappedKey is the group key wrapped for
// that user, in whatever text encoding the backing store produced.
type Membership struct {
	GardenID   string    `json:"garden_id" db:"garden_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	WrappedKey string    `json:"wrapped_key" db:"wrapped_key"`
	KeyVersion int       `json:"key_version" db:"key_version"`
	JoinedAt   time.Time `json:"joined_at" db:"joined_at"`
}

// ConnectionSnapshot is persisted on every connection state change so a cold
// start knows which channels were live.
type ConnectionSnapshot struct {
	ChannelID     string    `json:"channel_id"`
	State         string    `json:"state"`
	LastUsed      time.Time `json:"last_used"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// ChannelStatus is what the local API reports for a channel.
type ChannelStatus struct {
	ChannelID    string    `json:"channel_id"`
	State        string    `json:"state"`
	Connected    bool      `json:"connected"`
	Pending      int       `json:"pending"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}
