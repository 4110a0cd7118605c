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
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeStoredKey normalizes key material read from the backing store.
// Binary columns come back either as Postgres hex ("\x" prefix) or as
// base64 text; both decode to raw bytes here.
func DecodeStoredKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty stored key", ErrInvalidKey)
	}

	if strings.HasPrefix(value, `\x`) {
		raw, err := hex.DecodeString(value[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex key: %v", ErrInvalidKey, err)
		}
		return raw, nil
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(value); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("%w: bad base64 key: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

// EncodeStoredKey is the canonical text form written by this client.
func EncodeStoredKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
