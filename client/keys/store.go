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

// Package keys holds per-channel group keys. Plaintext keys live only in this
// process's memory; the durable form is always the wrapped key.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/e2e"
	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/storage"
)

// ErrKeyUnavailable means no group key is known for the channel yet, for
// example while a membership is still pending.
var ErrKeyUnavailable = errors.New("keys: group key unavailable")

type Options struct {
	UserID string
	Vault  storage.SecretStore
	// Remote resolves channels and memberships against the authority. Optional.
	Remote storage.MembershipSource
	// Channels is the local channel/membership mirror. Optional.
	Channels storage.ChannelStore
	Logger   *zap.Logger
}

type Store struct {
	userID   string
	vault    storage.SecretStore
	remote   storage.MembershipSource
	channels storage.ChannelStore
	log      *zap.Logger

	mu      sync.RWMutex
	private []byte
	cache   map[string]*channelKeys
}

// channelKeys is append-only per version; only the current pointer moves.
type channelKeys struct {
	current  int
	versions map[int][]byte
}

func NewStore(opts Options) *Store {
	return &Store{
		userID:   opts.UserID,
		vault:    opts.Vault,
		remote:   opts.Remote,
		channels: opts.Channels,
		log:      logging.OrNop(opts.Logger),
		cache:    make(map[string]*channelKeys),
	}
}

// Get returns the cached current key for channelID, or nil.
func (s *Store) Get(channelID string) []byte {
	key, _, _ := s.Current(channelID)
	return key
}

// Current returns the cached current key and its version.
func (s *Store) Current(channelID string) ([]byte, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ck, ok := s.cache[channelID]
	if !ok {
		return nil, 0, false
	}
	key, ok := ck.versions[ck.current]
	return key, ck.current, ok
}

// FetchAndCache resolves the key for channelID as seen by userID and caches
// it. It returns nil when no key can be obtained; that is an expected state,
// not a failure.
func (s *Store) FetchAndCache(ctx context.Context, channelID, userID string) []byte {
	log := s.log.With(zap.String("channel_id", channelID))

	ch, err := s.resolveChannel(ctx, channelID)
	if err != nil {
		log.Debug("channel not resolvable, no key yet", zap.Error(err))
		return nil
	}

	var key []byte
	if ch.IsDirect() {
		key, err = s.directKey(channelID)
	} else {
		key, err = s.gardenKey(ctx, ch, userID)
	}
	if err != nil {
		log.Debug("group key unavailable", zap.Error(err))
		return nil
	}
	return key
}

// KeyFor returns the key for a specific version, loading it from the vault
// or the authority when it is not cached. Version 0 means current.
func (s *Store) KeyFor(ctx context.Context, channelID string, version int) []byte {
	if version <= 0 {
		if key := s.Get(channelID); key != nil {
			return key
		}
		return s.FetchAndCache(ctx, channelID, s.userID)
	}

	s.mu.RLock()
	if ck, ok := s.cache[channelID]; ok {
		if key, ok := ck.versions[version]; ok {
			s.mu.RUnlock()
			return key
		}
	}
	s.mu.RUnlock()

	if wrapped, err := s.vault.LoadWrappedKey(channelID, version); err == nil {
		if key, err := s.unwrap(wrapped); err == nil {
			s.put(channelID, version, key, false)
			return key
		}
	}

	key := s.FetchAndCache(ctx, channelID, s.userID)
	if _, current, _ := s.Current(channelID); key != nil && current == version {
		return key
	}
	return nil
}

// StoreRotated records wrapped key material delivered by a key rotation and
// moves the current pointer. Existing ciphertexts are left alone; older
// versions stay available for them.
func (s *Store) StoreRotated(channelID string, version int, wrapped []byte) error {
	if err := s.vault.SaveWrappedKey(channelID, version, wrapped); err != nil {
		return &storage.PersistenceError{Op: "save wrapped key", Err: err}
	}
	if version < s.knownCurrent(channelID) {
		if key, err := s.unwrap(wrapped); err == nil {
			s.put(channelID, version, key, false)
		}
		return nil
	}
	if err := s.vault.SetCurrentKeyVersion(channelID, version); err != nil {
		return &storage.PersistenceError{Op: "set key version", Err: err}
	}

	key, err := s.unwrap(wrapped)
	if err != nil {
		s.log.Warn("rotated key not unwrappable yet",
			zap.String("channel_id", channelID), zap.Int("key_version", version), zap.Error(err))
		s.setCurrent(channelID, version)
		return nil
	}
	s.put(channelID, version, key, true)
	return nil
}

// ImportDirectKey installs a separately negotiated key for a direct channel.
func (s *Store) ImportDirectKey(channelID string, version int, key []byte) error {
	if len(key) != e2e.GroupKeySize {
		return fmt.Errorf("%w: direct key must be %d bytes", e2e.ErrInvalidKey, e2e.GroupKeySize)
	}
	if err := s.persistSelfWrapped(channelID, version, key); err != nil {
		return err
	}
	s.put(channelID, version, key, true)
	return nil
}

// Seal encrypts plaintext under the channel's current key.
func (s *Store) Seal(ctx context.Context, channelID string, plaintext []byte) (string, int, error) {
	key, version, ok := s.Current(channelID)
	if !ok {
		if key = s.FetchAndCache(ctx, channelID, s.userID); key == nil {
			return "", 0, ErrKeyUnavailable
		}
		_, version, _ = s.Current(channelID)
	}
	ciphertext, err := e2e.EncryptMessage(plaintext, key)
	if err != nil {
		return "", 0, err
	}
	return ciphertext, version, nil
}

// Decrypt opens msg with the key matching its version.
func (s *Store) Decrypt(ctx context.Context, msg models.Message) ([]byte, error) {
	key := s.KeyFor(ctx, msg.ChannelID, msg.KeyVersion)
	if key == nil {
		return nil, ErrKeyUnavailable
	}
	return e2e.DecryptMessage(msg.Ciphertext, key)
}

func (s *Store) resolveChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	if s.remote != nil {
		ch, err := s.remote.ResolveChannel(ctx, channelID)
		if err == nil {
			if s.channels != nil {
				if err := s.channels.EnsureChannelExists(*ch); err != nil {
					s.log.Warn("failed to mirror channel locally", zap.String("channel_id", channelID), zap.Error(err))
				}
			}
			return ch, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("remote channel lookup failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	if s.channels != nil {
		return s.channels.GetChannel(channelID)
	}
	return nil, storage.ErrNotFound
}

func (s *Store) gardenKey(ctx context.Context, ch *models.Channel, userID string) ([]byte, error) {
	m, err := s.membership(ctx, ch.GardenID, userID)
	if err == nil && m.WrappedKey != "" {
		wrapped, err := e2e.DecodeStoredKey(m.WrappedKey)
		if err != nil {
			return nil, err
		}
		version := m.KeyVersion
		if version <= 0 {
			version = 1
		}
		key, err := s.unwrap(wrapped)
		if err != nil {
			return nil, err
		}
		if err := s.vault.SaveWrappedKey(ch.ChannelID, version, wrapped); err != nil {
			s.log.Warn("failed to persist wrapped key", zap.String("channel_id", ch.ChannelID), zap.Error(err))
		}

		// A membership row can lag a rotation we already applied; it never
		// moves the current version backwards.
		if current := s.knownCurrent(ch.ChannelID); version < current {
			s.put(ch.ChannelID, version, key, false)
			return s.versionKey(ch.ChannelID, current)
		}
		if err := s.vault.SetCurrentKeyVersion(ch.ChannelID, version); err != nil {
			s.log.Warn("failed to persist key version", zap.String("channel_id", ch.ChannelID), zap.Error(err))
		}
		s.put(ch.ChannelID, version, key, true)
		return key, nil
	}

	// Offline or membership pending: fall back to the last wrapped copy we saw.
	return s.loadPersisted(ch.ChannelID)
}

// knownCurrent is the newest current version recorded in memory or in the vault.
func (s *Store) knownCurrent(channelID string) int {
	current := 0
	s.mu.RLock()
	if ck, ok := s.cache[channelID]; ok {
		current = ck.current
	}
	s.mu.RUnlock()
	if stored, err := s.vault.CurrentKeyVersion(channelID); err == nil && stored > current {
		current = stored
	}
	return current
}

// versionKey loads one version from the cache or the vault and makes it current.
func (s *Store) versionKey(channelID string, version int) ([]byte, error) {
	s.mu.RLock()
	if ck, ok := s.cache[channelID]; ok {
		if key, ok := ck.versions[version]; ok {
			s.mu.RUnlock()
			s.setCurrent(channelID, version)
			return key, nil
		}
	}
	s.mu.RUnlock()

	wrapped, err := s.vault.LoadWrappedKey(channelID, version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d: %v", ErrKeyUnavailable, version, err)
	}
	key, err := s.unwrap(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d: %v", ErrKeyUnavailable, version, err)
	}
	s.put(channelID, version, key, true)
	return key, nil
}

func (s *Store) membership(ctx context.Context, gardenID, userID string) (*models.Membership, error) {
	if s.remote != nil {
		m, err := s.remote.GetMembership(ctx, gardenID, userID)
		if err == nil {
			if s.channels != nil {
				if err := s.channels.UpsertMembership(*m); err != nil {
					s.log.Warn("failed to mirror membership locally", zap.String("garden_id", gardenID), zap.Error(err))
				}
			}
			return m, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if s.channels != nil {
		return s.channels.GetMembership(gardenID, userID)
	}
	return nil, storage.ErrNotFound
}

func (s *Store) directKey(channelID string) ([]byte, error) {
	key, err := s.loadPersisted(channelID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	key, err = e2e.GenerateGroupKey()
	if err != nil {
		return nil, err
	}
	if err := s.persistSelfWrapped(channelID, 1, key); err != nil {
		return nil, err
	}
	s.put(channelID, 1, key, true)
	return key, nil
}

func (s *Store) loadPersisted(channelID string) ([]byte, error) {
	version, err := s.vault.CurrentKeyVersion(channelID)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.vault.LoadWrappedKey(channelID, version)
	if err != nil {
		return nil, err
	}
	key, err := s.unwrap(wrapped)
	if err != nil {
		return nil, err
	}
	s.put(channelID, version, key, true)
	return key, nil
}

// persistSelfWrapped stores key wrapped to our own public key, so a direct
// channel key survives restarts without ever touching disk in plaintext.
func (s *Store) persistSelfWrapped(channelID string, version int, key []byte) error {
	private, err := s.privateKey()
	if err != nil {
		return err
	}
	public, err := e2e.PublicKeyFromPrivate(private)
	if err != nil {
		return err
	}
	wrapped, err := e2e.WrapGroupKeyForUser(key, public)
	if err != nil {
		return err
	}
	if err := s.vault.SaveWrappedKey(channelID, version, wrapped); err != nil {
		return &storage.PersistenceError{Op: "save wrapped key", Err: err}
	}
	if err := s.vault.SetCurrentKeyVersion(channelID, version); err != nil {
		return &storage.PersistenceError{Op: "set key version", Err: err}
	}
	return nil
}

func (s *Store) unwrap(wrapped []byte) ([]byte, error) {
	private, err := s.privateKey()
	if err != nil {
		return nil, err
	}
	return e2e.UnwrapGroupKey(wrapped, private)
}

func (s *Store) privateKey() ([]byte, error) {
	s.mu.RLock()
	private := s.private
	s.mu.RUnlock()
	if private != nil {
		return private, nil
	}

	private, err := s.vault.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	s.mu.Lock()
	s.private = private
	s.mu.Unlock()
	return private, nil
}

func (s *Store) put(channelID string, version int, key []byte, makeCurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, ok := s.cache[channelID]
	if !ok {
		ck = &channelKeys{versions: make(map[int][]byte)}
		s.cache[channelID] = ck
	}
	if _, exists := ck.versions[version]; !exists {
		ck.versions[version] = key
	}
	if makeCurrent {
		ck.current = version
	}
}

func (s *Store) setCurrent(channelID string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, ok := s.cache[channelID]
	if !ok {
		ck = &channelKeys{versions: make(map[int][]byte)}
		s.cache[channelID] = ck
	}
	ck.current = version
}
