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
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

// These tests need a scratch database: GARDEN_TEST_DATABASE_URL=postgres://...
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GARDEN_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	require.NoError(t, s.Migrate())
	return s
}

func TestQueryErrorsNameTheOperation(t *testing.T) {
	// A closed pool fails every query without a server behind it.
	db, err := sql.Open("postgres", "postgres://garden@127.0.0.1:1/garden?sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	s := NewStore(db)
	ctx := context.Background()

	_, err = s.ResolveChannel(ctx, "general")
	assert.ErrorContains(t, err, "failed to resolve channel general")
	assert.NotErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetMembership(ctx, "g1", "alice")
	assert.ErrorContains(t, err, "failed to get membership")

	err = s.MirrorMessage(ctx, models.Message{ID: "m1", ChannelID: "general"})
	assert.ErrorContains(t, err, "failed to mirror message m1")

	_, err = s.MessagesSince(ctx, "general", time.Time{}, 10)
	assert.ErrorContains(t, err, "failed to query messages")
}

func TestResolveChannelAndMembership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	gardenID := "g-" + uuid.NewString()
	channelID := "c-" + uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO gardens (garden_id, name, created_by) VALUES ($1, 'test', 'alice')`, gardenID)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO channels (channel_id, garden_id, name, kind) VALUES ($1, $2, 'general', 'garden')`, channelID, gardenID)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO memberships (garden_id, user_id, wrapped_key, key_version) VALUES ($1, 'alice', '\x0102', 3)`, gardenID)
	require.NoError(t, err)

	ch, err := s.ResolveChannel(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, gardenID, ch.GardenID)
	assert.Equal(t, models.ChannelKindGarden, ch.Kind)

	m, err := s.GetMembership(ctx, gardenID, "alice")
	require.NoError(t, err)
	assert.Equal(t, `\x0102`, m.WrappedKey)
	assert.Equal(t, 3, m.KeyVersion)

	_, err = s.GetMembership(ctx, gardenID, "mallory")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.ResolveChannel(ctx, "missing-"+channelID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMirrorMessageIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	channelID := "c-" + uuid.NewString()
	created := time.Now().UTC().Truncate(time.Millisecond)
	msg := models.Message{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		SenderID:    "alice",
		Ciphertext:  "Y3Q=",
		CreatedAt:   created,
		MessageType: models.MessageTypeText,
		KeyVersion:  1,
		Ephemeral:   true,
		TTLSeconds:  60,
	}
	require.NoError(t, s.MirrorMessage(ctx, msg))
	require.NoError(t, s.MirrorMessage(ctx, msg))

	rows, err := s.MessagesSince(ctx, channelID, created.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, msg.ID, rows[0].ID)
	assert.Equal(t, int64(60), rows[0].TTLSeconds)
	assert.Equal(t, models.SyncSynced, rows[0].SyncStatus)
}
