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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameKinds(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Frame
	}{
		{
			name: "key rotated",
			raw:  `{"type":"key_rotated","keyVersion":3,"publicKeyMaterial":"abc"}`,
			want: KeyRotatedFrame{KeyVersion: 3, PublicKeyMaterial: "abc"},
		},
		{
			name: "message sent with storage failure",
			raw:  `{"type":"message_sent","messageId":"m1","stored":false,"error":"db down"}`,
			want: MessageSentFrame{MessageID: "m1", Stored: false, Error: "db down"},
		},
		{
			name: "messages expired count only",
			raw:  `{"type":"messages_expired","count":4}`,
			want: MessagesExpiredFrame{Count: 4},
		},
		{
			name: "error",
			raw:  `{"type":"error","message":"rate limited"}`,
			want: ErrorFrame{Message: "rate limited"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeFrameUnknownKeepsPayload(t *testing.T) {
	raw := `{"type":"typing","userId":"u1"}`
	f, err := DecodeFrame([]byte(raw))
	require.NoError(t, err)

	u, ok := f.(UnknownFrame)
	require.True(t, ok)
	assert.Equal(t, "typing", u.FrameType())
	assert.JSONEq(t, raw, string(u.Raw))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"type":"new_message","message":"oops"}`))
	assert.Error(t, err)
}

func TestEncodeFrameCarriesType(t *testing.T) {
	msg := Message{
		ID:          "m1",
		ChannelID:   "c1",
		SenderID:    "u1",
		Ciphertext:  "Y2lwaGVy",
		CreatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		MessageType: MessageTypeText,
		KeyVersion:  2,
	}
	raw, err := EncodeFrame(NewMessageFrame{Message: msg})
	require.NoError(t, err)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	nm, ok := f.(NewMessageFrame)
	require.True(t, ok)
	assert.Equal(t, msg, nm.Message)
}

func TestMessageExpiry(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Message{CreatedAt: created, Ephemeral: true, TTLSeconds: 60}

	assert.False(t, m.Expired(created.Add(59*time.Second)))
	assert.True(t, m.Expired(created.Add(60*time.Second)))

	m.Ephemeral = false
	assert.False(t, m.Expired(created.Add(time.Hour)))
}
