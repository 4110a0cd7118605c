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
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for a 404 from the backend. History and setup
	// calls fall back to the legacy route on it.
	ErrNotFound = errors.New("session: not found")

	ErrNoTransport   = errors.New("session: no transport available")
	errDisconnecting = errors.New("session: disconnected while connecting")
)

// TransportError reports a connect or send failure after every fallback was
// tried. Addr never carries credentials.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// SendError means the backend acknowledged a message but did not store it.
// The local row stays pending and the send can be retried.
type SendError struct {
	MessageID string
	Reason    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("message %s not stored: %s", e.MessageID, e.Reason)
}
