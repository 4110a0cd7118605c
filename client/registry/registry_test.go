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

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// transportServer records how each channel's transport was closed.
type transportServer struct {
	url string

	mu     sync.Mutex
	opened map[string]int
	closed map[string]websocket.StatusCode
}

func newTransportServer(t *testing.T) *transportServer {
	ts := &transportServer{
		opened: make(map[string]int),
		closed: make(map[string]websocket.StatusCode),
	}
	router := mux.NewRouter()
	router.HandleFunc("/ws/channels/{channel}", func(w http.ResponseWriter, r *http.Request) {
		channel := mux.Vars(r)["channel"]
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.opened[channel]++
		ts.mu.Unlock()
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				ts.mu.Lock()
				ts.closed[channel] = websocket.CloseStatus(err)
				ts.mu.Unlock()
				return
			}
		}
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func (ts *transportServer) closeStatus(channel string) (websocket.StatusCode, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	code, ok := ts.closed[channel]
	return code, ok
}

func newTestRegistry(t *testing.T, clk *clock, max int) (*Registry, *transportServer) {
	ts := newTransportServer(t)
	r := New(Options{
		Factory: func(channelID string) *session.Connection {
			return session.NewConnection(session.Options{
				ChannelID: channelID,
				UserID:    "alice",
				WSURL:     ts.url,
				WSPaths:   []string{"/ws/channels/{channel}"},
				Now:       clk.Now,
			})
		},
		MaxConnections: max,
		Now:            clk.Now,
	})
	t.Cleanup(r.Close)
	return r, ts
}

func TestEvictIdleRemovesOnlyStaleConnections(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	r, ts := newTestRegistry(t, clk, 0)
	ctx := context.Background()

	stale, err := r.Create(ctx, "stale")
	require.NoError(t, err)
	require.True(t, stale.IsConnected())

	clk.Advance(14 * time.Minute)
	fresh, err := r.Create(ctx, "fresh")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	evicted := r.EvictIdle(15 * time.Minute)
	assert.Equal(t, []string{"stale"}, evicted)
	assert.Equal(t, []string{"fresh"}, r.Channels())

	assert.False(t, stale.IsConnected())
	assert.True(t, fresh.IsConnected())
	require.Eventually(t, func() bool {
		code, ok := ts.closeStatus("stale")
		return ok && code == websocket.StatusNormalClosure
	}, 2*time.Second, 10*time.Millisecond)
	_, freshClosed := ts.closeStatus("fresh")
	assert.False(t, freshClosed)
}

func TestGetTouchesAndReconnectsInPlace(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	r, ts := newTestRegistry(t, clk, 0)
	ctx := context.Background()

	_, ok := r.Get(ctx, "general")
	assert.False(t, ok)

	conn, err := r.Acquire(ctx, "general")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	conn.Disconnect()
	require.False(t, conn.IsConnected())

	got, ok := r.Get(ctx, "general")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.True(t, got.IsConnected())
	assert.Equal(t, clk.Now(), got.LastUsed())

	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return ts.opened["general"] == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	r, _ := newTestRegistry(t, clk, 2)
	ctx := context.Background()

	_, err := r.Create(ctx, "a")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = r.Create(ctx, "b")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, ok := r.Get(ctx, "a")
	require.True(t, ok)

	_, err = r.Create(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, r.Channels())
}

func TestCreateRegistersEvenWhenTransportIsDown(t *testing.T) {
	clk := &clock{now: time.Now()}
	r := New(Options{
		Factory: func(channelID string) *session.Connection {
			return session.NewConnection(session.Options{
				ChannelID: channelID,
				WSURL:     "ws://127.0.0.1:1",
				WSPaths:   []string{"/ws"},
				Now:       clk.Now,
			})
		},
		Now: clk.Now,
	})
	defer r.Close()

	conn, err := r.Create(context.Background(), "offline")
	require.NoError(t, err)
	assert.False(t, conn.IsConnected())
	assert.Equal(t, 1, r.Len())
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]models.ConnectionSnapshot
}

func (m *memSnapshots) SaveSnapshot(s models.ConnectionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.ChannelID] = s
	return nil
}

func (m *memSnapshots) LoadSnapshots() ([]models.ConnectionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConnectionSnapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out, nil
}

func (m *memSnapshots) DeleteSnapshot(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, channelID)
	return nil
}

func TestResumeReopensLiveChannels(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	ts := newTransportServer(t)
	snaps := &memSnapshots{snaps: map[string]models.ConnectionSnapshot{
		"live":   {ChannelID: "live", State: "connected", LastUsed: clk.Now().Add(-time.Minute)},
		"closed": {ChannelID: "closed", State: "disconnected", LastUsed: clk.Now()},
		"old":    {ChannelID: "old", State: "connected", LastUsed: clk.Now().Add(-time.Hour)},
	}}
	r := New(Options{
		Factory: func(channelID string) *session.Connection {
			return session.NewConnection(session.Options{
				ChannelID: channelID,
				WSURL:     ts.url,
				WSPaths:   []string{"/ws/channels/{channel}"},
				Now:       clk.Now,
			})
		},
		Snapshots: snaps,
		Now:       clk.Now,
	})
	defer r.Close()

	n, err := r.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"live"}, r.Channels())
}

func TestCloseKeepsChannelsResumable(t *testing.T) {
	clk := &clock{now: time.Now()}
	ts := newTransportServer(t)
	snaps := &memSnapshots{snaps: make(map[string]models.ConnectionSnapshot)}
	build := func() *Registry {
		return New(Options{
			Factory: func(channelID string) *session.Connection {
				return session.NewConnection(session.Options{
					ChannelID: channelID,
					WSURL:     ts.url,
					WSPaths:   []string{"/ws/channels/{channel}"},
					Snapshots: snaps,
					Now:       clk.Now,
				})
			},
			Snapshots: snaps,
			Now:       clk.Now,
		})
	}

	r := build()
	_, err := r.Create(context.Background(), "kept")
	require.NoError(t, err)
	_, err = r.Create(context.Background(), "dropped")
	require.NoError(t, err)
	require.True(t, r.Remove("dropped"))
	r.Close()

	r = build()
	defer r.Close()
	n, err := r.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"kept"}, r.Channels())
}
