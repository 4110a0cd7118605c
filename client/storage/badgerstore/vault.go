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

// Package badgerstore is the device-local secure key-value store. It holds the
// long-term private key, wrapped group keys and connection snapshots in a
// badger database encrypted at rest under a passphrase-derived key.
package badgerstore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

const (
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	saltFile       = "vault.salt"
	indexCacheSize = 16 << 20

	privateKeyKey     = "identity:private"
	wrappedKeyPrefix  = "wrapped:"
	currentKeyPrefix  = "current:"
	snapshotKeyPrefix = "snapshot:"
)

var (
	ErrInvalidPassphrase = errors.New("vault: invalid passphrase")
)

type Vault struct {
	db  *badger.DB
	log *zap.Logger
}

// Open unlocks (creating on first use) the vault in dir.
func Open(dir, passphrase string, logger *zap.Logger) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required: %w", ErrInvalidPassphrase)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)

	opts := badger.DefaultOptions(dir).
		WithEncryptionKey(key).
		WithIndexCacheSize(indexCacheSize).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		if errors.Is(err, badger.ErrEncryptionKeyMismatch) ||
			strings.Contains(err.Error(), badger.ErrEncryptionKeyMismatch.Error()) {
			return nil, ErrInvalidPassphrase
		}
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return &Vault{db: db, log: logging.OrNop(logger)}, nil
}

func (v *Vault) Close() error {
	return v.db.Close()
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != 16 {
			return nil, fmt.Errorf("vault salt at %s is corrupt", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}

	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

func (v *Vault) PrivateKey() ([]byte, error) {
	return v.get([]byte(privateKeyKey))
}

func (v *Vault) StorePrivateKey(private []byte) error {
	return v.set([]byte(privateKeyKey), private)
}

func (v *Vault) SaveWrappedKey(channelID string, version int, wrapped []byte) error {
	return v.set(wrappedKey(channelID, version), wrapped)
}

func (v *Vault) LoadWrappedKey(channelID string, version int) ([]byte, error) {
	return v.get(wrappedKey(channelID, version))
}

func (v *Vault) SetCurrentKeyVersion(channelID string, version int) error {
	return v.set([]byte(currentKeyPrefix+channelID), []byte(strconv.Itoa(version)))
}

func (v *Vault) CurrentKeyVersion(channelID string) (int, error) {
	raw, err := v.get([]byte(currentKeyPrefix + channelID))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

func (v *Vault) SaveSnapshot(snap models.ConnectionSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return v.set([]byte(snapshotKeyPrefix+snap.ChannelID), raw)
}

func (v *Vault) LoadSnapshots() ([]models.ConnectionSnapshot, error) {
	var snaps []models.ConnectionSnapshot
	err := v.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(snapshotKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snap models.ConnectionSnapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					v.log.Warn("skipping corrupt connection snapshot", zap.ByteString("key", it.Item().Key()))
					return nil
				}
				snaps = append(snaps, snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return snaps, err
}

func (v *Vault) DeleteSnapshot(channelID string) error {
	return v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(snapshotKeyPrefix + channelID))
	})
}

func (v *Vault) get(key []byte) ([]byte, error) {
	var out []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	return out, err
}

func (v *Vault) set(key, value []byte) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return &storage.PersistenceError{Op: "vault set", Err: err}
	}
	return nil
}

func wrappedKey(channelID string, version int) []byte {
	key := make([]byte, 0, len(wrappedKeyPrefix)+len(channelID)+9)
	key = append(key, wrappedKeyPrefix...)
	key = append(key, channelID...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, uint32(version))
}
