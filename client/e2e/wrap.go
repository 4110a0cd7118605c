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
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public and private keys.
	KeySize      = 32
	boxNonceSize = 24
	wrapHeader   = boxNonceSize + KeySize
)

// KeyPair is a long-term X25519 key pair used to receive wrapped group keys.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair produces a fresh X25519 key pair from r (crypto/rand when nil).
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPair{
		Public:  append([]byte(nil), pub[:]...),
		Private: append([]byte(nil), priv[:]...),
	}, nil
}

// PublicKeyFromPrivate derives the X25519 public key for private.
func PublicKeyFromPrivate(private []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(private))
	}
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// WrapGroupKeyForUser encrypts groupKey to recipientPublic using a fresh
// ephemeral key pair. The result is nonce || ephemeralPublic || box.
func WrapGroupKeyForUser(groupKey, recipientPublic []byte) ([]byte, error) {
	if len(recipientPublic) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(recipientPublic))
	}
	if len(groupKey) == 0 {
		return nil, fmt.Errorf("%w: empty group key", ErrInvalidKey)
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer zeroBytes(ephPriv[:])

	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	var recipient [KeySize]byte
	copy(recipient[:], recipientPublic)

	out := make([]byte, 0, wrapHeader+len(groupKey)+box.Overhead)
	out = append(out, nonce[:]...)
	out = append(out, ephPub[:]...)
	return box.Seal(out, groupKey, &nonce, &recipient, ephPriv), nil
}

// UnwrapGroupKey reverses WrapGroupKeyForUser. A malformed payload or a
// private key that does not match yields an error wrapping ErrKeyUnwrap.
func UnwrapGroupKey(wrapped, recipientPrivate []byte) ([]byte, error) {
	if len(recipientPrivate) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes (got %d)", ErrKeyUnwrap, KeySize, len(recipientPrivate))
	}
	if len(wrapped) < wrapHeader+box.Overhead {
		return nil, fmt.Errorf("%w: payload truncated (%d bytes)", ErrKeyUnwrap, len(wrapped))
	}

	var (
		nonce   [boxNonceSize]byte
		ephPub  [KeySize]byte
		private [KeySize]byte
	)
	copy(nonce[:], wrapped[:boxNonceSize])
	copy(ephPub[:], wrapped[boxNonceSize:wrapHeader])
	copy(private[:], recipientPrivate)
	defer zeroBytes(private[:])

	key, ok := box.Open(nil, wrapped[wrapHeader:], &nonce, &ephPub, &private)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrKeyUnwrap)
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
