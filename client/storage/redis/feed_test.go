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

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgarden/client/models"
)

func TestDecodeBatch(t *testing.T) {
	batch, ok := decodeBatch(`{"table":"messages","type":"INSERT","records":[{"id":"m1","channelId":"c1"}]}`)
	require.True(t, ok)
	assert.Equal(t, MessagesTable, batch.Table)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "c1", batch.Records[0].ChannelID)

	batch, ok = decodeBatch(`{"records":[]}`)
	require.True(t, ok)
	assert.Equal(t, MessagesTable, batch.Table)

	_, ok = decodeBatch(`nope`)
	assert.False(t, ok)
}

// Needs a scratch server: GARDEN_TEST_REDIS_ADDR=localhost:6379
func TestFeedDeliversMessagesBatchesOnly(t *testing.T) {
	addr := os.Getenv("GARDEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GARDEN_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed := NewFeed(rdb, "garden:test:"+t.Name(), nil)
	sub, err := feed.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, feed.Publish(ctx, models.ChangeBatch{Table: "channels"}))
	require.NoError(t, feed.Publish(ctx, models.ChangeBatch{
		Table:   MessagesTable,
		Type:    "INSERT",
		Records: []models.Message{{ID: "m1", ChannelID: "c1"}},
	}))

	select {
	case batch := <-sub.Batches():
		assert.Equal(t, MessagesTable, batch.Table)
		assert.Equal(t, "m1", batch.Records[0].ID)
	case <-ctx.Done():
		t.Fatal("no batch delivered")
	}
}
