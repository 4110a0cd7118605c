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

package badgerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

func TestVaultRoundTripAndReopen(t *testing.T) {
	dir := t.TempDir()

	v, err := Open(dir, "topsecret", nil)
	require.NoError(t, err)

	require.NoError(t, v.StorePrivateKey([]byte("private-key-bytes")))
	require.NoError(t, v.SaveWrappedKey("c1", 1, []byte("wrapped-v1")))
	require.NoError(t, v.SaveWrappedKey("c1", 2, []byte("wrapped-v2")))
	require.NoError(t, v.SetCurrentKeyVersion("c1", 2))
	require.NoError(t, v.Close())

	v, err = Open(dir, "topsecret", nil)
	require.NoError(t, err)
	defer v.Close()

	priv, err := v.PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("private-key-bytes"), priv)

	w1, err := v.LoadWrappedKey("c1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped-v1"), w1)

	cur, err := v.CurrentKeyVersion("c1")
	require.NoError(t, err)
	assert.Equal(t, 2, cur)

	_, err = v.LoadWrappedKey("c1", 3)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = v.CurrentKeyVersion("c9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVaultRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir, "right", nil)
	require.NoError(t, err)
	require.NoError(t, v.StorePrivateKey([]byte("k")))
	require.NoError(t, v.Close())

	_, err = Open(dir, "wrong", nil)
	assert.ErrorIs(t, err, ErrInvalidPassphrase)

	_, err = Open(t.TempDir(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}

func TestVaultSnapshots(t *testing.T) {
	v, err := Open(t.TempDir(), "pw", nil)
	require.NoError(t, err)
	defer v.Close()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, v.SaveSnapshot(models.ConnectionSnapshot{ChannelID: "a", State: "connected", LastUsed: now}))
	require.NoError(t, v.SaveSnapshot(models.ConnectionSnapshot{ChannelID: "b", State: "disconnected", LastUsed: now}))
	require.NoError(t, v.SaveSnapshot(models.ConnectionSnapshot{ChannelID: "a", State: "reconnecting", LastUsed: now}))

	snaps, err := v.LoadSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "reconnecting", snaps[0].State)

	require.NoError(t, v.DeleteSnapshot("a"))
	snaps, err = v.LoadSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "b", snaps[0].ChannelID)
}
