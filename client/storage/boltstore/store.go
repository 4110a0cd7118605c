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

// Package boltstore implements the local message cache on a bbolt database.
// Buckets mirror the local schema: messages, channels and memberships, plus
// a per-channel index ordered by created_at.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/metrics"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

const (
	messagesBucket    = "messages"
	channelIdxBucket  = "channel_index"
	channelsBucket    = "channels"
	membershipsBucket = "memberships"

	mirrorTimeout = 10 * time.Second
	mirrorQueue   = 256

	DefaultMirrorRetry = 30 * time.Second
)

// Options configure a Store.
type Options struct {
	// Mirror receives every inserted row that is not seeded and did not
	// itself come from the authority. Nil disables mirroring.
	Mirror storage.RemoteMirror
	// MirrorRetry is how often pending rows the mirror has not accepted are
	// offered again.
	MirrorRetry time.Duration
	DevMode     bool
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Store struct {
	db      *bolt.DB
	devMode bool
	log     *zap.Logger
	metrics *metrics.Metrics

	mirror *mirrorWorker
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{messagesBucket, channelIdxBucket, channelsBucket, membershipsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{
		db:      db,
		devMode: opts.DevMode,
		log:     logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
	if opts.Mirror != nil {
		s.mirror = newMirrorWorker(s, opts.Mirror, opts.MirrorRetry)
	}
	return s, nil
}

// Close stops background mirroring and closes the database.
func (s *Store) Close() error {
	if s.mirror != nil {
		s.mirror.stop()
	}
	return s.db.Close()
}

// Insert stores msg unless a row with the same id exists. Local-origin rows
// are then queued for mirroring to the authority; Insert never waits on it.
func (s *Store) Insert(ctx context.Context, msg models.Message) (bool, error) {
	if msg.ID == "" || msg.ChannelID == "" {
		return false, &storage.PersistenceError{Op: "insert", Err: errors.New("message id and channel id are required")}
	}
	if msg.SyncStatus == "" {
		msg.SyncStatus = models.SyncPending
	}

	var inserted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		inserted, err = putMessage(tx, msg)
		return err
	})
	if err != nil {
		return false, &storage.PersistenceError{Op: "insert", Err: err}
	}

	if inserted {
		s.enqueueMirror(msg)
	}
	return inserted, nil
}

// InsertBatch inserts every message in one transaction and returns how many
// were new.
func (s *Store) InsertBatch(ctx context.Context, msgs []models.Message) (int, error) {
	var fresh []models.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, msg := range msgs {
			if msg.ID == "" || msg.ChannelID == "" {
				continue
			}
			if msg.SyncStatus == "" {
				msg.SyncStatus = models.SyncPending
			}
			ok, err := putMessage(tx, msg)
			if err != nil {
				return err
			}
			if ok {
				fresh = append(fresh, msg)
			}
		}
		return nil
	})
	if err != nil {
		return 0, &storage.PersistenceError{Op: "insert batch", Err: err}
	}

	for _, msg := range fresh {
		s.enqueueMirror(msg)
	}
	return len(fresh), nil
}

func (s *Store) Get(id string) (*models.Message, error) {
	var msg *models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(messagesBucket)).Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		msg = new(models.Message)
		return json.Unmarshal(raw, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// QueryByChannel returns the channel's rows newest-first by created_at.
func (s *Store) QueryByChannel(channelID string) ([]models.Message, error) {
	var out []models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(channelIdxBucket)).Bucket([]byte(channelID))
		if idx == nil {
			return nil
		}
		msgs := tx.Bucket([]byte(messagesBucket))

		cur := idx.Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			raw := msgs.Get(v)
			if raw == nil {
				continue
			}
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("failed to decode message %s: %w", v, err)
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}

// Delete removes the given ids, ignoring ones that are not present.
func (s *Store) Delete(ids ...string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			ok, err := deleteMessage(tx, id)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, &storage.PersistenceError{Op: "delete", Err: err}
	}
	return removed, nil
}

func (s *Store) MarkStatus(id string, status models.SyncStatus) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(messagesBucket))
		raw := b.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		if msg.SyncStatus == models.SyncSeeded {
			return nil
		}
		msg.SyncStatus = status
		updated, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return &storage.PersistenceError{Op: "mark status", Err: err}
	}
	return nil
}

// PruneExpired deletes ephemeral rows whose TTL has elapsed at now.
func (s *Store) PruneExpired(now time.Time) ([]string, error) {
	var expired []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(messagesBucket)).ForEach(func(k, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if msg.Expired(now) {
				expired = append(expired, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range expired {
			if _, err := deleteMessage(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &storage.PersistenceError{Op: "prune", Err: err}
	}
	return expired, nil
}

// PruneExpiredChannel is PruneExpired limited to one channel's rows.
func (s *Store) PruneExpiredChannel(channelID string, now time.Time) ([]string, error) {
	var expired []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(channelIdxBucket)).Bucket([]byte(channelID))
		if idx == nil {
			return nil
		}
		msgs := tx.Bucket([]byte(messagesBucket))
		err := idx.ForEach(func(_, id []byte) error {
			var msg models.Message
			if err := json.Unmarshal(msgs.Get(id), &msg); err != nil {
				return nil
			}
			if msg.Expired(now) {
				expired = append(expired, string(id))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range expired {
			if _, err := deleteMessage(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &storage.PersistenceError{Op: "prune channel", Err: err}
	}
	return expired, nil
}

// LatestCursor returns the newest row of the channel the authority has
// confirmed. Seeded and pending rows never advance it.
func (s *Store) LatestCursor(channelID string) (models.SyncCursor, error) {
	cursor := models.SyncCursor{ChannelID: channelID}
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(channelIdxBucket)).Bucket([]byte(channelID))
		if idx == nil {
			return nil
		}
		msgs := tx.Bucket([]byte(messagesBucket))
		cur := idx.Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			var msg models.Message
			if err := json.Unmarshal(msgs.Get(v), &msg); err != nil {
				continue
			}
			if msg.SyncStatus != models.SyncSynced {
				continue
			}
			cursor.CreatedAt = msg.CreatedAt
			cursor.MessageID = msg.ID
			return nil
		}
		return nil
	})
	return cursor, err
}

// SeedIfEmpty writes one synthetic welcome row into an empty channel. It is a
// no-op outside development mode.
func (s *Store) SeedIfEmpty(channelID string, now time.Time) (bool, error) {
	if !s.devMode {
		return false, nil
	}
	seeded := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(channelIdxBucket)).Bucket([]byte(channelID))
		if idx != nil {
			if k, _ := idx.Cursor().First(); k != nil {
				return nil
			}
		}
		var err error
		seeded, err = putMessage(tx, models.Message{
			ID:          "seed-" + channelID,
			ChannelID:   channelID,
			SenderID:    "system",
			CreatedAt:   now.UTC(),
			MessageType: models.MessageTypeText,
			SyncStatus:  models.SyncSeeded,
		})
		return err
	})
	if err != nil {
		return false, &storage.PersistenceError{Op: "seed", Err: err}
	}
	return seeded, nil
}

func putMessage(tx *bolt.Tx, msg models.Message) (bool, error) {
	msgs := tx.Bucket([]byte(messagesBucket))
	if msgs.Get([]byte(msg.ID)) != nil {
		return false, nil
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	if err := msgs.Put([]byte(msg.ID), raw); err != nil {
		return false, err
	}

	idx, err := tx.Bucket([]byte(channelIdxBucket)).CreateBucketIfNotExists([]byte(msg.ChannelID))
	if err != nil {
		return false, err
	}
	return true, idx.Put(indexKey(msg), []byte(msg.ID))
}

func deleteMessage(tx *bolt.Tx, id string) (bool, error) {
	msgs := tx.Bucket([]byte(messagesBucket))
	raw := msgs.Get([]byte(id))
	if raw == nil {
		return false, nil
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err == nil {
		if idx := tx.Bucket([]byte(channelIdxBucket)).Bucket([]byte(msg.ChannelID)); idx != nil {
			if err := idx.Delete(indexKey(msg)); err != nil {
				return false, err
			}
		}
	}
	return true, msgs.Delete([]byte(id))
}

// indexKey sorts by created_at, then id, under bytewise comparison.
func indexKey(msg models.Message) []byte {
	var ts uint64
	if nanos := msg.CreatedAt.UnixNano(); nanos > 0 {
		ts = uint64(nanos)
	}
	key := make([]byte, 8, 8+len(msg.ID))
	binary.BigEndian.PutUint64(key, ts)
	return append(key, msg.ID...)
}
