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

// Package session is the per-channel connection: a live websocket transport
// with fallback addressing, a request/response fallback path, and the
// handling of every inbound frame kind.
package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/e2e"
	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/metrics"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

const (
	DefaultReconnectDelay = 5 * time.Second

	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	readLimit         = 1 << 20
	verifyWindow      = 50
	defaultSubsBuffer = 32
)

// KeyResolver is the group-key side of a connection. *keys.Store satisfies it.
type KeyResolver interface {
	Decrypt(ctx context.Context, msg models.Message) ([]byte, error)
	Seal(ctx context.Context, channelID string, plaintext []byte) (string, int, error)
	StoreRotated(channelID string, version int, wrapped []byte) error
	Current(channelID string) ([]byte, int, bool)
}

// wsConn abstracts the websocket so tests can substitute it.
// *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type Options struct {
	ChannelID string
	GardenID  string
	UserID    string
	AuthToken string

	// WSURL is the ws(s):// base; WSPaths are candidate path shapes tried
	// in order, with "{channel}" replaced by the channel id.
	WSURL   string
	WSPaths []string

	API       *APIClient
	Keys      KeyResolver
	Store     storage.MessageStore
	Snapshots storage.SnapshotStore

	ReconnectDelay time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type Connection struct {
	channelID string
	gardenID  string
	userID    string
	token     string
	wsURL     string
	wsPaths   []string

	api       *APIClient
	keys      KeyResolver
	store     storage.MessageStore
	snapshots storage.SnapshotStore

	reconnectDelay time.Duration
	now            func() time.Time
	log            *zap.Logger
	metrics        *metrics.Metrics
	events         *broker

	mu             sync.Mutex
	state          State
	conn           wsConn
	connCancel     context.CancelFunc
	generation     int
	reconnectTimer *time.Timer
	dialing        chan struct{}
	dialErr        error
	closedByUser   bool
	lastUsed       time.Time
	lastMessageAt  time.Time

	seenMu sync.Mutex
	seen   map[string]struct{}
}

func NewConnection(opts Options) *Connection {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Connection{
		channelID:      opts.ChannelID,
		gardenID:       opts.GardenID,
		userID:         opts.UserID,
		token:          opts.AuthToken,
		wsURL:          strings.TrimRight(opts.WSURL, "/"),
		wsPaths:        opts.WSPaths,
		api:            opts.API,
		keys:           opts.Keys,
		store:          opts.Store,
		snapshots:      opts.Snapshots,
		reconnectDelay: delay,
		now:            now,
		log:            logging.OrNop(opts.Logger).With(zap.String("channel_id", opts.ChannelID)),
		metrics:        opts.Metrics,
		events:         newBroker(),
		lastUsed:       now(),
		seen:           make(map[string]struct{}),
	}
}

func (c *Connection) ChannelID() string {
	return c.channelID
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Touch marks the connection as used now.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.mu.Unlock()
}

// Subscribe registers for connection events. buffer <= 0 uses a default.
func (c *Connection) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubsBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, conn: c}
	c.events.add(sub)
	return sub
}

// Connect opens the live transport, trying each candidate address in turn.
// It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// EnsureConnected reconnects a connection that dropped without an explicit
// Disconnect and has no retry pending.
func (c *Connection) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	idle := c.state == StateDisconnected && !c.closedByUser
	c.mu.Unlock()
	if !idle {
		return nil
	}
	return c.connect(ctx, false)
}

func (c *Connection) connect(ctx context.Context, explicit bool) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if explicit {
		c.closedByUser = false
	} else if c.closedByUser {
		c.mu.Unlock()
		return nil
	}
	// One dial at a time; later callers wait for its outcome.
	if wait := c.dialing; wait != nil {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.dialErr
	}
	c.stopReconnectLocked()
	if c.state != StateReconnecting {
		c.setStateLocked(StateConnecting)
	}
	wait := make(chan struct{})
	c.dialing = wait
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.finishDialLocked(conn, err)
	c.dialErr = err
	c.dialing = nil
	close(wait)
	return err
}

func (c *Connection) finishDialLocked(conn wsConn, err error) error {
	if err != nil {
		if !c.closedByUser {
			c.setStateLocked(StateDisconnected)
		}
		return err
	}
	if c.closedByUser {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return errDisconnecting
	}

	c.generation++
	connCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = cancel
	c.lastUsed = c.now()
	c.setStateLocked(StateConnected)
	go c.readLoop(connCtx, conn, c.generation)
	return nil
}

func (c *Connection) dial(ctx context.Context) (wsConn, error) {
	candidates := c.candidates()
	if len(candidates) == 0 {
		return nil, &TransportError{Op: "connect", Err: ErrNoTransport}
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	var lastErr error
	for _, addr := range candidates {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, addr, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
		cancel()
		if err == nil {
			conn.SetReadLimit(readLimit)
			c.log.Debug("transport connected", zap.String("addr", stripQuery(addr)))
			return conn, nil
		}
		lastErr = &TransportError{Op: "connect", Addr: stripQuery(addr), Err: err}
		c.log.Debug("transport candidate failed", zap.String("addr", stripQuery(addr)), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Connection) candidates() []string {
	if c.wsURL == "" {
		return nil
	}
	out := make([]string, 0, len(c.wsPaths))
	for _, path := range c.wsPaths {
		u, err := url.Parse(c.wsURL + strings.ReplaceAll(path, "{channel}", url.PathEscape(c.channelID)))
		if err != nil {
			c.log.Warn("skipping malformed transport path", zap.String("path", path), zap.Error(err))
			continue
		}
		q := u.Query()
		q.Set("channelId", c.channelID)
		q.Set("userId", c.userID)
		if c.token != "" {
			q.Set("token", c.token)
		}
		u.RawQuery = q.Encode()
		out = append(out, u.String())
	}
	return out
}

// Disconnect releases the transport and suppresses reconnection until the
// next explicit Connect. Subscriptions are closed.
func (c *Connection) Disconnect() {
	c.disconnect(true)
}

// Suspend is Disconnect for process shutdown: the persisted snapshot keeps
// the pre-shutdown state so the channel is resumed on the next start.
func (c *Connection) Suspend() {
	c.disconnect(false)
}

func (c *Connection) disconnect(persist bool) {
	c.mu.Lock()
	c.closedByUser = true
	c.stopReconnectLocked()
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel = nil, nil
	c.generation++
	if persist {
		c.setStateLocked(StateDisconnected)
	} else if c.state != StateDisconnected {
		c.state = StateDisconnected
		c.events.publish(Event{Kind: EventState, State: StateDisconnected})
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.events.closeAll()
}

func (c *Connection) readLoop(ctx context.Context, conn wsConn, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		frame, err := models.DecodeFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.metrics.RecordFrame(frame.FrameType())
		c.dispatch(ctx, frame)
	}
}

func (c *Connection) handleClose(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.closedByUser {
		return
	}
	if c.connCancel != nil {
		c.connCancel()
	}
	c.conn, c.connCancel = nil, nil

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		c.log.Info("transport closed cleanly")
		c.setStateLocked(StateDisconnected)
		return
	}

	c.log.Warn("transport lost, scheduling reconnect",
		zap.Int("close_status", int(status)), zap.Duration("delay", c.reconnectDelay), zap.Error(err))
	c.setStateLocked(StateReconnecting)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms a single retry. A failed retry leaves the
// connection Disconnected; the registry's health check picks it up from there.
func (c *Connection) scheduleReconnectLocked() {
	c.stopReconnectLocked()
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		pending := c.state == StateReconnecting && !c.closedByUser
		c.reconnectTimer = nil
		c.mu.Unlock()
		if !pending {
			return
		}

		c.metrics.RecordReconnect()
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := c.connect(ctx, false); err != nil {
			c.log.Warn("reconnect failed", zap.Error(err))
		}
	})
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.snapshots != nil {
		snap := models.ConnectionSnapshot{
			ChannelID:     c.channelID,
			State:         s.String(),
			LastUsed:      c.lastUsed,
			LastMessageAt: c.lastMessageAt,
		}
		if err := c.snapshots.SaveSnapshot(snap); err != nil {
			c.log.Warn("failed to save connection snapshot", zap.Error(err))
		}
	}
	c.events.publish(Event{Kind: EventState, State: s})
}

func (c *Connection) dispatch(ctx context.Context, frame models.Frame) {
	switch f := frame.(type) {
	case models.NewMessageFrame:
		c.handleNewMessage(ctx, f.Message)
	case models.KeyRotatedFrame:
		c.handleKeyRotated(f)
	case models.MessageSentFrame:
		c.handleMessageSent(f)
	case models.MessagesExpiredFrame:
		c.handleMessagesExpired(f)
	case models.ErrorFrame:
		c.log.Warn("backend reported error", zap.String("message", f.Message))
	case models.UnknownFrame:
		c.log.Debug("ignoring unknown frame", zap.String("type", f.Type))
	}
}

func (c *Connection) handleNewMessage(ctx context.Context, msg models.Message) {
	if msg.ID == "" {
		c.log.Warn("dropping message without id")
		return
	}
	if msg.ChannelID == "" {
		msg.ChannelID = c.channelID
	}

	if !c.markSeen(msg.ID) {
		// our own send echoed back confirms it
		if msg.SenderID == c.userID {
			c.confirm(msg.ID)
		}
		return
	}

	msg.SyncStatus = models.SyncSynced
	if _, err := c.store.Insert(ctx, msg); err != nil {
		c.log.Error("failed to store inbound message", zap.String("message_id", msg.ID), zap.Error(err))
		c.unmarkSeen(msg.ID)
		return
	}

	c.mu.Lock()
	if msg.CreatedAt.After(c.lastMessageAt) {
		c.lastMessageAt = msg.CreatedAt
	}
	c.mu.Unlock()

	plaintext, err := c.keys.Decrypt(ctx, msg)
	if err != nil {
		c.metrics.RecordDecryptFailure()
		c.log.Warn("skipping undecryptable message",
			zap.String("message_id", msg.ID), zap.Int("key_version", msg.KeyVersion), zap.Error(err))
		return
	}
	c.events.publish(Event{
		Kind:      EventMessage,
		MessageID: msg.ID,
		Message:   &models.DecryptedMessage{Message: msg, Plaintext: string(plaintext)},
	})
}

func (c *Connection) handleKeyRotated(f models.KeyRotatedFrame) {
	wrapped, err := e2e.DecodeStoredKey(f.PublicKeyMaterial)
	if err != nil {
		c.log.Warn("rotated key material unreadable", zap.Int("key_version", f.KeyVersion), zap.Error(err))
		return
	}
	if err := c.keys.StoreRotated(c.channelID, f.KeyVersion, wrapped); err != nil {
		c.log.Error("failed to store rotated key", zap.Int("key_version", f.KeyVersion), zap.Error(err))
		return
	}
	c.log.Info("group key rotated", zap.Int("key_version", f.KeyVersion))
	c.events.publish(Event{Kind: EventKeyRotated, KeyVersion: f.KeyVersion})
}

func (c *Connection) handleMessageSent(f models.MessageSentFrame) {
	if f.Stored {
		c.confirm(f.MessageID)
		c.events.publish(Event{Kind: EventDelivered, MessageID: f.MessageID})
		return
	}

	reason := f.Error
	if reason == "" {
		reason = "backend did not persist the message"
	}
	err := &SendError{MessageID: f.MessageID, Reason: reason}
	c.log.Warn("send not stored by backend", zap.String("message_id", f.MessageID), zap.String("reason", reason))
	c.events.publish(Event{Kind: EventSendFailed, MessageID: f.MessageID, Err: err})
}

func (c *Connection) handleMessagesExpired(f models.MessagesExpiredFrame) {
	var (
		removed int
		err     error
	)
	if len(f.MessageIDs) > 0 {
		removed, err = c.store.Delete(f.MessageIDs...)
	} else {
		var ids []string
		ids, err = c.store.PruneExpiredChannel(c.channelID, c.now())
		removed = len(ids)
	}
	if err != nil {
		c.log.Warn("failed to prune expired messages", zap.Error(err))
		return
	}
	c.log.Debug("expired messages pruned", zap.Int("reported", f.Count), zap.Int("removed", removed))
	c.events.publish(Event{Kind: EventExpired, Count: removed})
}

func (c *Connection) confirm(id string) {
	err := c.store.MarkStatus(id, models.SyncSynced)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.Warn("failed to mark message synced", zap.String("message_id", id), zap.Error(err))
	}
}

// markSeen records id and reports whether it was new for this connection.
func (c *Connection) markSeen(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = struct{}{}
	return true
}

func (c *Connection) unmarkSeen(id string) {
	c.seenMu.Lock()
	delete(c.seen, id)
	c.seenMu.Unlock()
}
