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

// Package redis subscribes to the authority's change feed, published on a
// Redis pub/sub channel as JSON change batches.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

const (
	// MessagesTable is the only collection this client follows.
	MessagesTable = "messages"

	batchBuffer = 64
)

type Feed struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewFeed(rdb *redis.Client, channel string, logger *zap.Logger) *Feed {
	return &Feed{
		rdb:     rdb,
		channel: channel,
		log:     logging.OrNop(logger),
	}
}

// Subscribe confirms the subscription with the server before returning, so a
// nil error means batches published from now on will be delivered.
func (f *Feed) Subscribe(ctx context.Context) (storage.FeedSubscription, error) {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}

	sub := &subscription{
		pubsub: pubsub,
		out:    make(chan models.ChangeBatch, batchBuffer),
		done:   make(chan struct{}),
	}
	go sub.run(f.log)
	return sub, nil
}

// Publish sends a batch on the feed channel. The client never publishes;
// this is the authority's side of the feed, used by tools and tests that
// stand in for it.
func (f *Feed) Publish(ctx context.Context, batch models.ChangeBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal change batch: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change batch: %w", err)
	}
	return nil
}

type subscription struct {
	pubsub *redis.PubSub
	out    chan models.ChangeBatch
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Batches() <-chan models.ChangeBatch {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *subscription) run(log *zap.Logger) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			batch, ok := decodeBatch(msg.Payload)
			if !ok {
				log.Warn("dropping undecodable change batch", zap.String("channel", msg.Channel))
				continue
			}
			if batch.Table != MessagesTable {
				continue
			}
			select {
			case s.out <- batch:
			case <-s.done:
				return
			}
		}
	}
}

func decodeBatch(payload string) (models.ChangeBatch, bool) {
	var batch models.ChangeBatch
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return models.ChangeBatch{}, false
	}
	if batch.Table == "" {
		batch.Table = MessagesTable
	}
	return batch, true
}
