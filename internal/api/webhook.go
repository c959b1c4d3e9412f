// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/engine"
	"github.com/autobrr/nemorosa/pkg/hashutil"
)

// webhookResponse is the envelope for POST /api/webhook.
type webhookResponse struct {
	Status  string               `json:"status"`
	Message string               `json:"message"`
	Data    *engine.SingleResult `json:"data,omitempty"`
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

// handleWebhook scans one torrent against every target site. The request
// body is ignored; the torrent is named by the infoHash query parameter.
// A run already holding the engine yields 409 rather than queueing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	infohash := strings.TrimSpace(r.URL.Query().Get("infoHash"))
	if infohash == "" {
		respondError(w, http.StatusBadRequest, "infoHash query parameter is required")
		return
	}
	if !hashutil.IsInfohash(infohash) {
		respondError(w, http.StatusBadRequest, "infoHash must be a 40-character hex string")
		return
	}

	log.Info().Str("hash", infohash).Msg("Webhook received")

	result, err := s.engine.Single(r.Context(), infohash)
	if err != nil {
		if errors.Is(err, engine.ErrRunInFlight) {
			respondError(w, http.StatusConflict, "another run is already in flight")
			return
		}
		log.Error().Err(err).Str("hash", infohash).Msg("Webhook processing failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusOK
	if result.Status == engine.StatusError {
		status = http.StatusInternalServerError
	}

	respondJSON(w, status, webhookResponse{
		Status:  result.Status,
		Message: result.Message,
		Data:    result,
	})
}

// authorized checks the bearer token in constant time. With no API key
// configured the webhook is open.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
