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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/efchatnet/efgarden/client/models"
)

const (
	RouteLive      = "ws"
	RouteHTTP      = "http"
	RouteAlternate = "alternate"

	defaultHTTPTimeout = 15 * time.Second
	maxErrorBody       = 512
)

// APIClient is the request/response channel to the backend, used when the
// live transport is down and for history, setup and rotation calls.
type APIClient struct {
	primary   string
	alternate string
	token     string
	http      *http.Client
}

func NewAPIClient(primary, alternate, token string, client *http.Client) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &APIClient{
		primary:   strings.TrimRight(primary, "/"),
		alternate: strings.TrimRight(alternate, "/"),
		token:     token,
		http:      client,
	}
}

// SendMessage posts msg to the primary route, then once to the alternate
// route. It reports which route accepted the message.
func (a *APIClient) SendMessage(ctx context.Context, msg models.Message) (string, error) {
	err := a.postMessage(ctx, a.primary, msg)
	if err == nil {
		return RouteHTTP, nil
	}
	if a.alternate == "" || a.alternate == a.primary {
		return "", err
	}
	if altErr := a.postMessage(ctx, a.alternate, msg); altErr != nil {
		return "", altErr
	}
	return RouteAlternate, nil
}

func (a *APIClient) postMessage(ctx context.Context, base string, msg models.Message) error {
	endpoint := base + "/channels/" + url.PathEscape(msg.ChannelID) + "/messages"
	return a.do(ctx, http.MethodPost, endpoint, models.NewOutboundFrame(msg), nil)
}

// FetchHistory returns one page of channel history, newest first, created
// before the given instant when before is set. A 404 on the channel route
// falls back to the legacy query-string route.
func (a *APIClient) FetchHistory(ctx context.Context, channelID string, limit int, before *time.Time) ([]models.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	endpoint := a.primary + "/channels/" + url.PathEscape(channelID) + "/messages"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var raw json.RawMessage
	err := a.do(ctx, http.MethodGet, endpoint, nil, &raw)
	if errors.Is(err, ErrNotFound) {
		q.Set("channelId", channelID)
		err = a.do(ctx, http.MethodGet, a.primary+"/messages?"+q.Encode(), nil, &raw)
	}
	if err != nil {
		return nil, err
	}
	return decodeHistory(raw)
}

// decodeHistory accepts both {"messages": [...]} and a bare array.
func decodeHistory(raw json.RawMessage) ([]models.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var msgs []models.Message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return msgs, nil
	}
	var wrapped struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return wrapped.Messages, nil
}

type setupRequest struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// SetupChannel runs the idempotent channel-setup handshake. An existing
// channel (409) is success.
func (a *APIClient) SetupChannel(ctx context.Context, channelID, userID string) error {
	body := setupRequest{ChannelID: channelID, UserID: userID}
	err := a.do(ctx, http.MethodPost, a.primary+"/channels/setup", body, nil)
	if errors.Is(err, ErrNotFound) {
		err = a.do(ctx, http.MethodPost, a.primary+"/setup-channel", body, nil)
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	return err
}

// RotateKeysRequest carries the new group key wrapped once per member.
type RotateKeysRequest struct {
	KeyVersion  int               `json:"keyVersion"`
	WrappedKeys map[string]string `json:"wrappedKeys"`
}

// RotateKeys is admin-scoped; the backend answers 403 for other callers.
func (a *APIClient) RotateKeys(ctx context.Context, channelID string, req RotateKeysRequest) error {
	endpoint := a.primary + "/channels/" + url.PathEscape(channelID) + "/rotate-keys"
	return a.do(ctx, http.MethodPost, endpoint, req, nil)
}

func (a *APIClient) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &TransportError{Op: strings.ToLower(method), Addr: stripQuery(endpoint), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func stripQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
