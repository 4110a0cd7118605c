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

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/keys"
	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/session"
)

const maxMessageBytes = 64 << 10

// ChannelService is the engine surface the local API exposes.
type ChannelService interface {
	Messages(ctx context.Context, channelID string) ([]models.DecryptedMessage, error)
	SendText(ctx context.Context, channelID, text string, opts session.SendOptions) (string, error)
	Status(channelID string) (models.ChannelStatus, error)
	Connect(ctx context.Context, channelID string) error
	Disconnect(channelID string) bool
}

type ChannelHandler struct {
	svc ChannelService
	log *zap.Logger
}

func NewChannelHandler(svc ChannelService, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{svc: svc, log: logging.OrNop(logger)}
}

func (h *ChannelHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelId"]

	msgs, err := h.svc.Messages(r.Context(), channelID)
	if err != nil {
		h.log.Error("failed to load messages", zap.String("channel_id", channelID), zap.Error(err))
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []models.DecryptedMessage{}
	}

	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel_id": channelID,
		"messages":   msgs,
	})
}

type sendRequest struct {
	Text        string             `json:"text"`
	MessageType models.MessageType `json:"message_type,omitempty"`
	Ephemeral   bool               `json:"ephemeral,omitempty"`
	TTLSeconds  int64              `json:"ttl_seconds,omitempty"`
}

func (h *ChannelHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelId"]

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "Message text is required", http.StatusBadRequest)
		return
	}
	if req.MessageType != "" && !req.MessageType.Valid() {
		http.Error(w, "Unknown message type", http.StatusBadRequest)
		return
	}

	opts := session.SendOptions{
		MessageType: req.MessageType,
		Ephemeral:   req.Ephemeral,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	}
	id, err := h.svc.SendText(r.Context(), channelID, req.Text, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"message_id": id, "status": "sent"})
	case errors.Is(err, keys.ErrKeyUnavailable):
		http.Error(w, "Group key not available yet", http.StatusConflict)
	case id != "":
		// stored locally, delivery unconfirmed
		h.log.Warn("send unconfirmed", zap.String("channel_id", channelID), zap.String("message_id", id), zap.Error(err))
		writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id, "status": "unconfirmed", "error": err.Error()})
	default:
		h.log.Error("send failed", zap.String("channel_id", channelID), zap.Error(err))
		http.Error(w, "Failed to send message", http.StatusInternalServerError)
	}
}

func (h *ChannelHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelId"]

	status, err := h.svc.Status(channelID)
	if err != nil {
		http.Error(w, "Failed to read status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *ChannelHandler) Connect(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelId"]

	if err := h.svc.Connect(r.Context(), channelID); err != nil {
		h.log.Error("connect failed", zap.String("channel_id", channelID), zap.Error(err))
		http.Error(w, "Failed to connect", http.StatusBadGateway)
		return
	}
	status, err := h.svc.Status(channelID)
	if err != nil {
		http.Error(w, "Failed to read status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *ChannelHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelId"]

	if !h.svc.Disconnect(channelID) {
		http.Error(w, "No connection for channel", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Register mounts the channel routes on router.
func (h *ChannelHandler) Register(router *mux.Router) {
	router.HandleFunc("/channels/{channelId}/messages", h.GetMessages).Methods("GET", "OPTIONS")
	router.HandleFunc("/channels/{channelId}/messages", h.PostMessage).Methods("POST", "OPTIONS")
	router.HandleFunc("/channels/{channelId}/status", h.GetStatus).Methods("GET", "OPTIONS")
	router.HandleFunc("/channels/{channelId}/connect", h.Connect).Methods("POST", "OPTIONS")
	router.HandleFunc("/channels/{channelId}/connection", h.Disconnect).Methods("DELETE", "OPTIONS")
}
