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
	"sync"

	"github.com/efchatnet/efgarden/client/models"
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventState
	EventDelivered
	EventSendFailed
	EventKeyRotated
	EventExpired
)

// Event is delivered to subscribers of a connection.
type Event struct {
	Kind       EventKind
	Message    *models.DecryptedMessage
	MessageID  string
	State      State
	KeyVersion int
	Count      int
	Err        error
}

// Subscription receives events until it is closed or the connection is
// disconnected. Events are dropped when C is full.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	conn *Connection
}

func (s *Subscription) Close() {
	s.conn.events.remove(s)
}

type broker struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[*Subscription]struct{})}
}

func (b *broker) add(sub *Subscription) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

func (b *broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// publish never blocks; a slow subscriber loses events rather than stalling
// the read loop.
func (b *broker) publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
