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

// Package syncer reconciles the local message cache with the authority: the
// push change feed, explicit history pages and a row-level gap fill.
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/metrics"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

const (
	DefaultRetryDelay = 5 * time.Second
	DefaultPageSize   = 50
	DefaultMaxPages   = 20

	changeDelete = "DELETE"
)

// HistoryFetcher pages backwards through a channel's history, newest first.
// *session.Connection satisfies it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, limit int, before *time.Time) ([]models.Message, error)
}

// RowSource reads authority rows newer than a cursor. *postgres.Store satisfies it.
type RowSource interface {
	MessagesSince(ctx context.Context, channelID string, since time.Time, limit int) ([]models.Message, error)
}

type Options struct {
	Store storage.MessageStore
	// Feed and Rows are optional; without them only explicit
	// reconciliation runs.
	Feed       storage.ChangeFeed
	Rows       RowSource
	RetryDelay time.Duration
	PageSize   int
	MaxPages   int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Engine struct {
	store      storage.MessageStore
	feed       storage.ChangeFeed
	rows       RowSource
	retryDelay time.Duration
	pageSize   int
	maxPages   int
	log        *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	watchers map[string]map[int]func([]models.Message)
	nextID   int
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:      opts.Store,
		feed:       opts.Feed,
		rows:       opts.Rows,
		retryDelay: opts.RetryDelay,
		pageSize:   opts.PageSize,
		maxPages:   opts.MaxPages,
		log:        logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
		watchers:   make(map[string]map[int]func([]models.Message)),
	}
	if e.retryDelay <= 0 {
		e.retryDelay = DefaultRetryDelay
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	if e.maxPages <= 0 {
		e.maxPages = DefaultMaxPages
	}
	return e
}

// MergeHistory returns existing plus the rows of incoming whose ids it does
// not already hold, newest first. Neither input is modified, and merging the
// same incoming twice changes nothing.
func MergeHistory(existing, incoming []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]models.Message, 0, len(existing)+len(incoming))
	for _, set := range [][]models.Message{existing, incoming} {
		for _, m := range set {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return models.Newer(merged[i], merged[j])
	})
	return merged
}

// MergeAndPersist merges incoming into the channel's local rows and stores
// the net-new ones. It returns the rows that were new.
func (e *Engine) MergeAndPersist(ctx context.Context, channelID string, incoming []models.Message) ([]models.Message, error) {
	existing, err := e.store.QueryByChannel(channelID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]models.SyncStatus, len(existing))
	for _, m := range existing {
		known[m.ID] = m.SyncStatus
	}

	// The authority holding one of our pending rows confirms it.
	for _, m := range incoming {
		if known[m.ID] != models.SyncPending {
			continue
		}
		if err := e.store.MarkStatus(m.ID, models.SyncSynced); err != nil {
			e.log.Warn("failed to confirm pending row", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		known[m.ID] = models.SyncSynced
	}

	var fresh []models.Message
	for _, m := range MergeHistory(existing, incoming) {
		if _, ok := known[m.ID]; ok {
			continue
		}
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		m.SyncStatus = models.SyncSynced
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if _, err := e.store.InsertBatch(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Watch registers fn for rows arriving on channelID. The returned func
// removes the registration.
func (e *Engine) Watch(channelID string, fn func([]models.Message)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.watchers[channelID] == nil {
		e.watchers[channelID] = make(map[int]func([]models.Message))
	}
	e.watchers[channelID][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.watchers[channelID], id)
		if len(e.watchers[channelID]) == 0 {
			delete(e.watchers, channelID)
		}
	}
}

func (e *Engine) watched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	channels := make([]string, 0, len(e.watchers))
	for ch := range e.watchers {
		channels = append(channels, ch)
	}
	return channels
}

func (e *Engine) notify(channelID string, rows []models.Message) {
	if len(rows) == 0 {
		return
	}
	e.mu.Lock()
	fns := make([]func([]models.Message), 0, len(e.watchers[channelID]))
	for _, fn := range e.watchers[channelID] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(rows)
	}
}

// Start follows the change feed in the background and returns at once;
// local state stays usable whether or not the feed is ever reachable.
func (e *Engine) Start(ctx context.Context) {
	if e.feed == nil {
		return
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.follow(ctx)
	}()
}

// Stop ends the feed subscription and waits for the follower to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) follow(ctx context.Context) {
	for {
		sub, err := e.feed.Subscribe(ctx)
		if err == nil {
			e.log.Info("change feed subscribed")
			e.FillGaps(ctx)
			e.consume(ctx, sub)
			sub.Close()
		} else {
			e.log.Warn("change feed unavailable", zap.Duration("retry_in", e.retryDelay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryDelay):
		}
	}
}

func (e *Engine) consume(ctx context.Context, sub storage.FeedSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-sub.Batches():
			if !ok {
				e.log.Warn("change feed closed")
				return
			}
			e.HandleBatch(ctx, batch)
		}
	}
}

// HandleBatch applies one change-feed delivery: rows for watched channels
// are persisted and handed to that channel's watchers.
func (e *Engine) HandleBatch(ctx context.Context, batch models.ChangeBatch) {
	e.metrics.RecordFeedBatch()

	if batch.Type == changeDelete {
		ids := make([]string, 0, len(batch.Records))
		for _, r := range batch.Records {
			ids = append(ids, r.ID)
		}
		if _, err := e.store.Delete(ids...); err != nil {
			e.log.Warn("failed to apply feed deletes", zap.Error(err))
		}
		return
	}

	byChannel := make(map[string][]models.Message)
	for _, r := range batch.Records {
		byChannel[r.ChannelID] = append(byChannel[r.ChannelID], r)
	}
	for _, channelID := range e.watched() {
		rows := byChannel[channelID]
		if len(rows) == 0 {
			continue
		}
		fresh, err := e.MergeAndPersist(ctx, channelID, rows)
		if err != nil {
			e.log.Error("failed to persist feed rows", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		e.notify(channelID, fresh)
	}
}

// FillGaps pulls authority rows newer than each watched channel's cursor,
// covering anything published while the feed was down.
func (e *Engine) FillGaps(ctx context.Context) {
	if e.rows == nil {
		return
	}
	for _, channelID := range e.watched() {
		cursor, err := e.store.LatestCursor(channelID)
		if err != nil {
			e.log.Warn("failed to read sync cursor", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		rows, err := e.rows.MessagesSince(ctx, channelID, cursor.CreatedAt, e.pageSize*e.maxPages)
		if err != nil {
			e.log.Warn("gap fill failed", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		fresh, err := e.MergeAndPersist(ctx, channelID, rows)
		if err != nil {
			e.log.Error("failed to persist gap rows", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		e.notify(channelID, fresh)
	}
}

// Reconcile pages backwards through remote history until it reaches the
// local cursor, persisting what is new. It returns the number of new rows.
func (e *Engine) Reconcile(ctx context.Context, channelID string, fetcher HistoryFetcher) (int, error) {
	cursor, err := e.store.LatestCursor(channelID)
	if err != nil {
		return 0, err
	}

	var (
		before *time.Time
		total  int
	)
	for page := 0; page < e.maxPages; page++ {
		msgs, err := fetcher.FetchHistory(ctx, e.pageSize, before)
		if err != nil {
			return total, err
		}
		if len(msgs) == 0 {
			break
		}

		var (
			newer   []models.Message
			reached bool
		)
		oldest := msgs[0].CreatedAt
		for _, m := range msgs {
			if m.CreatedAt.Before(oldest) {
				oldest = m.CreatedAt
			}
			if !cursor.IsZero() && m.ID == cursor.MessageID {
				reached = true
			}
			if cursor.IsZero() || !m.CreatedAt.Before(cursor.CreatedAt) {
				newer = append(newer, m)
			}
		}

		fresh, err := e.MergeAndPersist(ctx, channelID, newer)
		if err != nil {
			return total, err
		}
		total += len(fresh)
		e.notify(channelID, fresh)

		if reached || len(newer) < len(msgs) || len(msgs) < e.pageSize {
			break
		}
		before = &oldest
	}

	e.log.Debug("channel reconciled", zap.String("channel_id", channelID), zap.Int("new_rows", total))
	return total, nil
}
