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

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/efchatnet/efgarden/client/models"
)

var ErrNotFound = errors.New("storage: not found")

// PersistenceError is returned when a local write fails. It is fatal to the
// operation that attempted the write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// MessageStore is the durable local message cache.
type MessageStore interface {
	// Insert is idempotent on message id; inserted is false for a duplicate.
	Insert(ctx context.Context, msg models.Message) (inserted bool, err error)
	InsertBatch(ctx context.Context, msgs []models.Message) (int, error)
	Get(id string) (*models.Message, error)
	QueryByChannel(channelID string) ([]models.Message, error)
	Delete(ids ...string) (int, error)
	MarkStatus(id string, status models.SyncStatus) error
	PruneExpired(now time.Time) ([]string, error)
	PruneExpiredChannel(channelID string, now time.Time) ([]string, error)
	LatestCursor(channelID string) (models.SyncCursor, error)
}

// ChannelStore holds the channel and membership mirror tables used for local joins.
type ChannelStore interface {
	EnsureChannelExists(channel models.Channel) error
	GetChannel(channelID string) (*models.Channel, error)
	UpsertMembership(m models.Membership) error
	GetMembership(gardenID, userID string) (*models.Membership, error)
}

// SecretStore is the device-local secure key-value store. Group keys are only
// ever stored wrapped.
type SecretStore interface {
	PrivateKey() ([]byte, error)
	StorePrivateKey(private []byte) error
	SaveWrappedKey(channelID string, version int, wrapped []byte) error
	LoadWrappedKey(channelID string, version int) ([]byte, error)
	SetCurrentKeyVersion(channelID string, version int) error
	CurrentKeyVersion(channelID string) (int, error)
}

// SnapshotStore persists connection-state snapshots for cold-start resume.
type SnapshotStore interface {
	SaveSnapshot(snap models.ConnectionSnapshot) error
	LoadSnapshots() ([]models.ConnectionSnapshot, error)
	DeleteSnapshot(channelID string) error
}

// MembershipSource is the remote row-access collaborator for channel and
// membership metadata.
type MembershipSource interface {
	ResolveChannel(ctx context.Context, channelID string) (*models.Channel, error)
	GetMembership(ctx context.Context, gardenID, userID string) (*models.Membership, error)
}

// RemoteMirror receives every non-seeded local insert.
type RemoteMirror interface {
	MirrorMessage(ctx context.Context, msg models.Message) error
}

// ChangeFeed is the push-style change feed for the messages collection.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (FeedSubscription, error)
}

type FeedSubscription interface {
	Batches() <-chan models.ChangeBatch
	Close() error
}
