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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/e2e"
	"github.com/efchatnet/efgarden/client/models"
)

// SendOptions describe the envelope around an already encrypted payload.
type SendOptions struct {
	MessageType models.MessageType
	KeyVersion  int
	Nonce       string
	Ephemeral   bool
	TTL         time.Duration
}

// Send stores ciphertext locally as pending and delivers it over the live
// transport, falling back to the HTTP route and then the alternate route.
// The returned id is valid even when err is non-nil: the row stays pending
// so the caller can show it as unconfirmed.
func (c *Connection) Send(ctx context.Context, ciphertext string, opts SendOptions) (string, error) {
	msg := c.envelope(ciphertext, opts)
	c.markSeen(msg.ID)
	c.Touch()

	if _, err := c.store.Insert(ctx, msg); err != nil {
		return msg.ID, err
	}

	err := c.sendLive(ctx, msg)
	if err == nil {
		c.metrics.RecordSend(RouteLive)
		return msg.ID, nil
	}
	c.log.Debug("live send unavailable, using http", zap.String("message_id", msg.ID), zap.Error(err))

	if c.api == nil {
		return msg.ID, &TransportError{Op: "send", Err: ErrNoTransport}
	}
	route, err := c.api.SendMessage(ctx, msg)
	if err != nil {
		c.log.Warn("send failed on every route", zap.String("message_id", msg.ID), zap.Error(err))
		return msg.ID, err
	}
	c.metrics.RecordSend(route)
	c.confirm(msg.ID)
	return msg.ID, nil
}

// SendPlaintext encrypts text under the channel's current group key and sends it.
func (c *Connection) SendPlaintext(ctx context.Context, text string, opts SendOptions) (string, error) {
	ciphertext, version, err := c.keys.Seal(ctx, c.channelID, []byte(text))
	if err != nil {
		return "", err
	}
	opts.KeyVersion = version
	return c.Send(ctx, ciphertext, opts)
}

func (c *Connection) envelope(ciphertext string, opts SendOptions) models.Message {
	msgType := opts.MessageType
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	version := opts.KeyVersion
	if version <= 0 {
		if _, current, ok := c.keys.Current(c.channelID); ok {
			version = current
		} else {
			version = 1
		}
	}
	msg := models.Message{
		ID:          uuid.NewString(),
		ChannelID:   c.channelID,
		GardenID:    c.gardenID,
		SenderID:    c.userID,
		Ciphertext:  ciphertext,
		CreatedAt:   c.now().UTC(),
		MessageType: msgType,
		Nonce:       opts.Nonce,
		KeyVersion:  version,
		SyncStatus:  models.SyncPending,
	}
	if opts.Ephemeral && opts.TTL > 0 {
		msg.Ephemeral = true
		msg.TTLSeconds = int64(opts.TTL / time.Second)
	}
	return msg
}

func (c *Connection) sendLive(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNoTransport
	}

	payload, err := json.Marshal(models.NewOutboundFrame(msg))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// FetchHistory returns up to limit messages, newest first, optionally older
// than before.
func (c *Connection) FetchHistory(ctx context.Context, limit int, before *time.Time) ([]models.Message, error) {
	if c.api == nil {
		return nil, &TransportError{Op: "history", Err: ErrNoTransport}
	}
	c.Touch()
	return c.api.FetchHistory(ctx, c.channelID, limit, before)
}

// VerifyDelivery polls recent history until id shows up, at most retries
// times with delay between attempts.
func (c *Connection) VerifyDelivery(ctx context.Context, id string, retries int, delay time.Duration) bool {
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}

		msgs, err := c.FetchHistory(ctx, verifyWindow, nil)
		if err != nil {
			c.log.Debug("delivery check failed", zap.String("message_id", id), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		for _, m := range msgs {
			if m.ID == id {
				c.confirm(id)
				return true
			}
		}
	}
	return false
}

// SetupChannel runs the backend's idempotent channel-setup handshake.
func (c *Connection) SetupChannel(ctx context.Context) error {
	if c.api == nil {
		return nil
	}
	return c.api.SetupChannel(ctx, c.channelID, c.userID)
}

// RotateKeys generates a new group key, wraps it for every member public
// key and submits it. The backend answers with key_rotated frames; the
// local copy is installed right away when the caller is a member.
func (c *Connection) RotateKeys(ctx context.Context, memberKeys map[string][]byte) (int, error) {
	if c.api == nil {
		return 0, &TransportError{Op: "rotate", Err: ErrNoTransport}
	}

	version := 1
	if _, current, ok := c.keys.Current(c.channelID); ok {
		version = current + 1
	}

	groupKey, err := e2e.GenerateGroupKey()
	if err != nil {
		return 0, err
	}
	req := RotateKeysRequest{KeyVersion: version, WrappedKeys: make(map[string]string, len(memberKeys))}
	var own []byte
	for userID, public := range memberKeys {
		wrapped, err := e2e.WrapGroupKeyForUser(groupKey, public)
		if err != nil {
			return 0, fmt.Errorf("failed to wrap key for %s: %w", userID, err)
		}
		req.WrappedKeys[userID] = e2e.EncodeStoredKey(wrapped)
		if userID == c.userID {
			own = wrapped
		}
	}

	if err := c.api.RotateKeys(ctx, c.channelID, req); err != nil {
		return 0, err
	}
	if own != nil {
		if err := c.keys.StoreRotated(c.channelID, version, own); err != nil {
			return version, err
		}
	}
	return version, nil
}

