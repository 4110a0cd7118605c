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

package models

import (
	"encoding/json"
	"fmt"
)

const (
	FrameNewMessage      = "new_message"
	FrameKeyRotated      = "key_rotated"
	FrameMessageSent     = "message_sent"
	FrameMessagesExpired = "messages_expired"
	FrameError           = "error"
	FrameMessage         = "message"
)

// Frame is an inbound live-transport frame. The concrete types below are the
// only implementations; anything else decodes to UnknownFrame.
type Frame interface {
	FrameType() string
}

type NewMessageFrame struct {
	Message Message `json:"message"`
}

type KeyRotatedFrame struct {
	KeyVersion        int    `json:"keyVersion"`
	PublicKeyMaterial string `json:"publicKeyMaterial"`
}

// MessageSentFrame acknowledges a send. Stored is false when the backend
// accepted the frame but failed to persist the message.
type MessageSentFrame struct {
	MessageID string `json:"messageId"`
	Stored    bool   `json:"stored"`
	Error     string `json:"error,omitempty"`
}

// MessagesExpiredFrame reports server-side pruning of ephemeral messages.
// MessageIDs is optional; older backends only send the count.
type MessagesExpiredFrame struct {
	Count      int      `json:"count"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

type ErrorFrame struct {
	Message string `json:"message"`
}

type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

func (NewMessageFrame) FrameType() string      { return FrameNewMessage }
func (KeyRotatedFrame) FrameType() string      { return FrameKeyRotated }
func (MessageSentFrame) FrameType() string     { return FrameMessageSent }
func (MessagesExpiredFrame) FrameType() string { return FrameMessagesExpired }
func (ErrorFrame) FrameType() string           { return FrameError }
func (f UnknownFrame) FrameType() string       { return f.Type }

// OutboundFrame is the only frame the client writes.
type OutboundFrame struct {
	Type string  `json:"type"`
	Data Message `json:"data"`
}

// NewOutboundFrame wraps msg in a "message" frame.
func NewOutboundFrame(msg Message) OutboundFrame {
	return OutboundFrame{Type: FrameMessage, Data: msg}
}

// DecodeFrame parses a raw transport frame into its typed form.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	var (
		frame Frame
		err   error
	)
	switch head.Type {
	case FrameNewMessage:
		var f NewMessageFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameKeyRotated:
		var f KeyRotatedFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameMessageSent:
		var f MessageSentFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameMessagesExpired:
		var f MessagesExpiredFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameError:
		var f ErrorFrame
		err = json.Unmarshal(data, &f)
		frame = f
	default:
		frame = UnknownFrame{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s frame: %w", head.Type, err)
	}
	return frame, nil
}

// EncodeFrame marshals an inbound frame with its type tag. It is the inverse
// of DecodeFrame and is what a backend (or a test double of one) writes.
func EncodeFrame(f Frame) ([]byte, error) {
	if u, ok := f.(UnknownFrame); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(f.FrameType())
	return json.Marshal(fields)
}
