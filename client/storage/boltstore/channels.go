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

package boltstore

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

// EnsureChannelExists upserts the minimal channel metadata needed for local
// joins. Fields already known locally are kept when the new value is empty.
func (s *Store) EnsureChannelExists(channel models.Channel) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(channelsBucket))
		if raw := b.Get([]byte(channel.ChannelID)); raw != nil {
			var existing models.Channel
			if err := json.Unmarshal(raw, &existing); err == nil {
				channel = mergeChannel(existing, channel)
			}
		}
		raw, err := json.Marshal(channel)
		if err != nil {
			return err
		}
		return b.Put([]byte(channel.ChannelID), raw)
	})
	if err != nil {
		return &storage.PersistenceError{Op: "ensure channel", Err: err}
	}
	return nil
}

func (s *Store) GetChannel(channelID string) (*models.Channel, error) {
	var ch *models.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(channelsBucket)).Get([]byte(channelID))
		if raw == nil {
			return storage.ErrNotFound
		}
		ch = new(models.Channel)
		return json.Unmarshal(raw, ch)
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Store) UpsertMembership(m models.Membership) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(membershipsBucket)).Put(membershipKey(m.GardenID, m.UserID), raw)
	})
	if err != nil {
		return &storage.PersistenceError{Op: "upsert membership", Err: err}
	}
	return nil
}

func (s *Store) GetMembership(gardenID, userID string) (*models.Membership, error) {
	var m *models.Membership
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(membershipsBucket)).Get(membershipKey(gardenID, userID))
		if raw == nil {
			return storage.ErrNotFound
		}
		m = new(models.Membership)
		return json.Unmarshal(raw, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func membershipKey(gardenID, userID string) []byte {
	return []byte(gardenID + "\x00" + userID)
}

func mergeChannel(old, upd models.Channel) models.Channel {
	if upd.GardenID == "" {
		upd.GardenID = old.GardenID
	}
	if upd.Name == "" {
		upd.Name = old.Name
	}
	if upd.Kind == "" {
		upd.Kind = old.Kind
	}
	if upd.PeerID == "" {
		upd.PeerID = old.PeerID
	}
	if upd.CreatedAt.IsZero() {
		upd.CreatedAt = old.CreatedAt
	}
	return upd
}
