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

// Package registry owns the live channel connections: a bounded map keyed by
// channel id with idle eviction and periodic health checks.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/metrics"
	"github.com/efchatnet/efgarden/client/session"
	"github.com/efchatnet/efgarden/client/storage"
)

const (
	DefaultIdleThreshold   = 15 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultHealthInterval  = 10 * time.Second
	DefaultMaxConnections  = 32
)

// Factory builds an unconnected connection for a channel.
type Factory func(channelID string) *session.Connection

type Options struct {
	Factory         Factory
	Snapshots       storage.SnapshotStore
	IdleThreshold   time.Duration
	CleanupInterval time.Duration
	HealthInterval  time.Duration
	MaxConnections  int
	Now             func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type Registry struct {
	factory         Factory
	snapshots       storage.SnapshotStore
	idleThreshold   time.Duration
	cleanupInterval time.Duration
	healthInterval  time.Duration
	maxConnections  int
	now             func() time.Time
	log             *zap.Logger
	metrics         *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*session.Connection
}

func New(opts Options) *Registry {
	r := &Registry{
		factory:         opts.Factory,
		snapshots:       opts.Snapshots,
		idleThreshold:   opts.IdleThreshold,
		cleanupInterval: opts.CleanupInterval,
		healthInterval:  opts.HealthInterval,
		maxConnections:  opts.MaxConnections,
		now:             opts.Now,
		log:             logging.OrNop(opts.Logger),
		metrics:         opts.Metrics,
		conns:           make(map[string]*session.Connection),
	}
	if r.idleThreshold <= 0 {
		r.idleThreshold = DefaultIdleThreshold
	}
	if r.cleanupInterval <= 0 {
		r.cleanupInterval = DefaultCleanupInterval
	}
	if r.healthInterval <= 0 {
		r.healthInterval = DefaultHealthInterval
	}
	if r.maxConnections <= 0 {
		r.maxConnections = DefaultMaxConnections
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Get returns the cached connection for channelID, marking it used. A
// cached connection that has dropped is reconnected in place first.
func (r *Registry) Get(ctx context.Context, channelID string) (*session.Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[channelID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	conn.Touch()
	if conn.State() == session.StateDisconnected {
		if err := conn.Connect(ctx); err != nil {
			r.log.Warn("reconnect on get failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	return conn, true
}

// Lookup returns the registered connection without marking it used.
func (r *Registry) Lookup(channelID string) (*session.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[channelID]
	return conn, ok
}

// Create builds, sets up and connects a connection for channelID. A failed
// connect still registers the connection: sends fall back to HTTP and the
// health check keeps retrying the transport.
func (r *Registry) Create(ctx context.Context, channelID string) (*session.Connection, error) {
	conn := r.factory(channelID)

	if err := conn.SetupChannel(ctx); err != nil {
		r.log.Warn("channel setup failed", zap.String("channel_id", channelID), zap.Error(err))
	}
	if err := conn.Connect(ctx); err != nil {
		r.log.Warn("initial connect failed", zap.String("channel_id", channelID), zap.Error(err))
	}

	r.mu.Lock()
	if existing, ok := r.conns[channelID]; ok {
		r.mu.Unlock()
		conn.Disconnect()
		existing.Touch()
		return existing, nil
	}
	var victim *session.Connection
	if len(r.conns) >= r.maxConnections {
		victim = r.leastRecentlyUsedLocked()
		delete(r.conns, victim.ChannelID())
	}
	r.conns[channelID] = conn
	live := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetLiveConnections(live)
	if victim != nil {
		r.log.Info("connection limit reached, evicting least recently used",
			zap.String("channel_id", victim.ChannelID()), zap.Int("limit", r.maxConnections))
		r.release(victim)
	}
	return conn, nil
}

// Acquire returns the cached connection or creates one.
func (r *Registry) Acquire(ctx context.Context, channelID string) (*session.Connection, error) {
	if conn, ok := r.Get(ctx, channelID); ok {
		return conn, nil
	}
	return r.Create(ctx, channelID)
}

// EvictIdle disconnects and removes every connection unused for longer
// than threshold. It returns the evicted channel ids.
func (r *Registry) EvictIdle(threshold time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	var victims []*session.Connection
	for id, conn := range r.conns {
		if now.Sub(conn.LastUsed()) > threshold {
			victims = append(victims, conn)
			delete(r.conns, id)
		}
	}
	live := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetLiveConnections(live)
	evicted := make([]string, 0, len(victims))
	for _, conn := range victims {
		r.release(conn)
		evicted = append(evicted, conn.ChannelID())
	}
	if len(evicted) > 0 {
		sort.Strings(evicted)
		r.log.Info("evicted idle connections", zap.Strings("channel_ids", evicted))
	}
	return evicted
}

// Remove disconnects and forgets channelID.
func (r *Registry) Remove(channelID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[channelID]
	delete(r.conns, channelID)
	live := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.metrics.SetLiveConnections(live)
	conn.Disconnect()
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Channels returns the registered channel ids, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Run drives idle eviction and transport health checks until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	cleanup := time.NewTicker(r.cleanupInterval)
	defer cleanup.Stop()
	health := time.NewTicker(r.healthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			r.EvictIdle(r.idleThreshold)
		case <-health.C:
			r.CheckHealth(ctx)
		}
	}
}

// CheckHealth reconnects connections whose transport dropped and whose
// one-shot retry already failed.
func (r *Registry) CheckHealth(ctx context.Context) {
	r.mu.Lock()
	conns := make([]*session.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.EnsureConnected(ctx); err != nil {
			r.log.Debug("health reconnect failed", zap.String("channel_id", conn.ChannelID()), zap.Error(err))
		}
	}
}

// Resume recreates connections that were live when the process last
// stopped, from the persisted snapshots.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	if r.snapshots == nil {
		return 0, nil
	}
	snaps, err := r.snapshots.LoadSnapshots()
	if err != nil {
		return 0, err
	}

	resumed := 0
	now := r.now()
	for _, snap := range snaps {
		if snap.State == session.StateDisconnected.String() {
			continue
		}
		if now.Sub(snap.LastUsed) > r.idleThreshold {
			continue
		}
		if _, err := r.Acquire(ctx, snap.ChannelID); err != nil {
			r.log.Warn("failed to resume channel", zap.String("channel_id", snap.ChannelID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Close suspends every connection. Snapshots are left in place for Resume.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*session.Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Suspend()
	}
	r.metrics.SetLiveConnections(0)
}

func (r *Registry) release(conn *session.Connection) {
	conn.Disconnect()
	r.metrics.RecordEviction()
	if r.snapshots != nil {
		if err := r.snapshots.DeleteSnapshot(conn.ChannelID()); err != nil {
			r.log.Warn("failed to drop snapshot", zap.String("channel_id", conn.ChannelID()), zap.Error(err))
		}
	}
}

func (r *Registry) leastRecentlyUsedLocked() *session.Connection {
	var (
		oldest *session.Connection
		at     time.Time
	)
	for _, conn := range r.conns {
		if used := conn.LastUsed(); oldest == nil || used.Before(at) {
			oldest, at = conn, used
		}
	}
	return oldest
}
