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

// Package e2e implements the client's cryptographic envelope: sealing
// messages under a group key and wrapping group keys for individual members.
// It only ever handles raw key bytes; text encodings are decoded at the
// storage boundary (see DecodeStoredKey).
package e2e

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// GroupKeySize is the length of a raw group key.
	GroupKeySize = chacha20poly1305.KeySize
	nonceSize    = chacha20poly1305.NonceSizeX
)

var (
	ErrDecryption = errors.New("e2e: decryption failed")
	ErrKeyUnwrap  = errors.New("e2e: group key unwrap failed")
	ErrInvalidKey = errors.New("e2e: invalid key")
)

// GenerateGroupKey returns a fresh random group key.
func GenerateGroupKey() ([]byte, error) {
	key := make([]byte, GroupKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate group key: %w", err)
	}
	return key, nil
}

// EncryptMessage seals plaintext under groupKey with XChaCha20-Poly1305 and
// returns base64(nonce || sealed). Every call draws a fresh 24-byte nonce.
func EncryptMessage(plaintext, groupKey []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	out := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out = aead.Seal(out, out[:nonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptMessage opens a ciphertext produced by EncryptMessage. Malformed,
// truncated or wrong-key input yields an error wrapping ErrDecryption.
func DecryptMessage(ciphertext string, groupKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(groupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, ErrInvalidKey)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext: %v", ErrDecryption, err)
	}
	if len(raw) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext truncated (%d bytes)", ErrDecryption, len(raw))
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
