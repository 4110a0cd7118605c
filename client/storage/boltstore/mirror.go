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
	"context"
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

// mirrorWorker hands pending rows to the authority off the insert path.
// Rows it could not deliver are offered again on every sweep until the
// mirror accepts them or they stop being pending.
type mirrorWorker struct {
	store  *Store
	remote storage.RemoteMirror
	retry  time.Duration
	queue  chan models.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	delivered map[string]struct{}
}

func newMirrorWorker(s *Store, remote storage.RemoteMirror, retry time.Duration) *mirrorWorker {
	if retry <= 0 {
		retry = DefaultMirrorRetry
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &mirrorWorker{
		store:     s,
		remote:    remote,
		retry:     retry,
		queue:     make(chan models.Message, mirrorQueue),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		delivered: make(map[string]struct{}),
	}
	go w.run()
	return w
}

func (w *mirrorWorker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.retry)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.queue:
			w.deliver(msg)
		case <-ticker.C:
			if _, err := w.store.SweepPending(w.ctx); err != nil {
				w.store.log.Warn("mirror sweep failed", zap.Error(err))
			}
		}
	}
}

func (w *mirrorWorker) stop() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *mirrorWorker) deliver(msg models.Message) bool {
	w.mu.Lock()
	_, sent := w.delivered[msg.ID]
	w.mu.Unlock()
	if sent {
		return false
	}

	ctx, cancel := context.WithTimeout(w.ctx, mirrorTimeout)
	defer cancel()
	if err := w.remote.MirrorMessage(ctx, msg); err != nil {
		w.store.metrics.RecordMirrorFailure()
		w.store.log.Warn("failed to mirror message, will retry",
			zap.String("message_id", msg.ID),
			zap.String("channel_id", msg.ChannelID),
			zap.Error(err))
		return false
	}

	w.mu.Lock()
	w.delivered[msg.ID] = struct{}{}
	w.mu.Unlock()
	return true
}

// forget drops delivery records for rows that are no longer pending.
func (w *mirrorWorker) forget(pending map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.delivered {
		if _, ok := pending[id]; !ok {
			delete(w.delivered, id)
		}
	}
}

func (s *Store) enqueueMirror(msg models.Message) {
	if s.mirror == nil || msg.SyncStatus != models.SyncPending {
		return
	}
	select {
	case s.mirror.queue <- msg:
	default:
		s.log.Debug("mirror queue full, leaving row for the next sweep", zap.String("message_id", msg.ID))
	}
}

// SweepPending offers every pending row the mirror has not yet accepted
// and returns how many it accepted this time.
func (s *Store) SweepPending(ctx context.Context) (int, error) {
	if s.mirror == nil {
		return 0, nil
	}

	var pending []models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if msg.SyncStatus == models.SyncPending {
				pending = append(pending, msg)
			}
			return nil
		})
	})
	if err != nil {
		return 0, &storage.PersistenceError{Op: "sweep pending", Err: err}
	}

	ids := make(map[string]struct{}, len(pending))
	for _, msg := range pending {
		ids[msg.ID] = struct{}{}
	}
	s.mirror.forget(ids)

	accepted := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		if s.mirror.deliver(msg) {
			accepted++
		}
	}
	return accepted, nil
}
