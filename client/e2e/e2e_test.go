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

package e2e

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptHello(t *testing.T) {
	key, err := GenerateGroupKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	ct, err := EncryptMessage([]byte("hello"), key)
	require.NoError(t, err)

	pt, err := DecryptMessage(ct, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestEncryptRoundTripSizes(t *testing.T) {
	key, err := GenerateGroupKey()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 31, 32, 33, 1024, 64 * 1024} {
		p := bytes.Repeat([]byte{byte(n)}, n)
		ct, err := EncryptMessage(p, key)
		require.NoError(t, err)

		got, err := DecryptMessage(ct, key)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(p, got), "size %d", n)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key, err := GenerateGroupKey()
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		ct, err := EncryptMessage([]byte("same"), key)
		require.NoError(t, err)
		raw, err := base64.StdEncoding.DecodeString(ct)
		require.NoError(t, err)
		nonce := string(raw[:nonceSize])
		require.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestDecryptFailures(t *testing.T) {
	key, err := GenerateGroupKey()
	require.NoError(t, err)
	other, err := GenerateGroupKey()
	require.NoError(t, err)

	ct, err := EncryptMessage([]byte("secret"), key)
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(ct)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xff

	cases := map[string]struct {
		ct  string
		key []byte
	}{
		"wrong key":     {ct, other},
		"not base64":    {"%%%", key},
		"truncated":     {base64.StdEncoding.EncodeToString(raw[:nonceSize+3]), key},
		"tampered":      {base64.StdEncoding.EncodeToString(tampered), key},
		"short key":     {ct, key[:16]},
		"empty payload": {"", key},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecryptMessage(tc.ct, tc.key)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecryption), "got %v", err)
		})
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	group, err := GenerateGroupKey()
	require.NoError(t, err)

	wrapped, err := WrapGroupKeyForUser(group, recipient.Public)
	require.NoError(t, err)

	got, err := UnwrapGroupKey(wrapped, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, group, got)
}

func TestWrapUsesFreshEphemeralKey(t *testing.T) {
	recipient, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	group, err := GenerateGroupKey()
	require.NoError(t, err)

	a, err := WrapGroupKeyForUser(group, recipient.Public)
	require.NoError(t, err)
	b, err := WrapGroupKeyForUser(group, recipient.Public)
	require.NoError(t, err)

	assert.NotEqual(t, a[boxNonceSize:wrapHeader], b[boxNonceSize:wrapHeader])
}

func TestUnwrapFailures(t *testing.T) {
	recipient, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	stranger, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	group, err := GenerateGroupKey()
	require.NoError(t, err)

	wrapped, err := WrapGroupKeyForUser(group, recipient.Public)
	require.NoError(t, err)

	_, err = UnwrapGroupKey(wrapped, stranger.Private)
	assert.ErrorIs(t, err, ErrKeyUnwrap)

	_, err = UnwrapGroupKey(wrapped[:wrapHeader], recipient.Private)
	assert.ErrorIs(t, err, ErrKeyUnwrap)

	_, err = UnwrapGroupKey(wrapped, recipient.Private[:10])
	assert.ErrorIs(t, err, ErrKeyUnwrap)
}

func TestPublicKeyFromPrivate(t *testing.T) {
	kp, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	pub, err := PublicKeyFromPrivate(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)

	_, err = PublicKeyFromPrivate([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecodeStoredKey(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff, 0x10}

	got, err := DecodeStoredKey(`\x` + hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = DecodeStoredKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = DecodeStoredKey(base64.RawStdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	assert.Equal(t, raw, mustDecode(t, EncodeStoredKey(raw)))

	for _, bad := range []string{"", `\xzz`, "!!not-base64!!"} {
		_, err := DecodeStoredKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestWrappedKeySurvivesHexColumn(t *testing.T) {
	recipient, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	group, err := GenerateGroupKey()
	require.NoError(t, err)
	wrapped, err := WrapGroupKeyForUser(group, recipient.Public)
	require.NoError(t, err)

	stored := `\x` + hex.EncodeToString(wrapped)
	got, err := UnwrapGroupKey(mustDecode(t, stored), recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, group, got)
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := DecodeStoredKey(s)
	require.NoError(t, err)
	return b
}
