package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
)

type setConfigRequest struct {
	Value       *string `json:"value"`
	Description *string `json:"description"`
}

type configResponse struct {
	Key         string  `json:"key"`
	Value       *string `json:"value"`
	Description *string `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListConfigs(r.Context())
	if err != nil {
		s.logger.Error("list configs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list configs")
		return
	}
	res := make([]configResponse, 0, len(configs))
	for _, c := range configs {
		res = append(res, configToResponse(c))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	cfg, err := s.store.GetConfig(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrConfigNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "config not found")
		} else {
			s.logger.Error("get config", "key", key, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load config")
		}
		return
	}
	writeJSON(w, http.StatusOK, configToResponse(cfg))
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "config key is required")
		return
	}
	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	cfg, err := s.store.SetConfig(r.Context(), key, req.Value, req.Description)
	if err != nil {
		s.logger.Error("set config", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store config")
		return
	}
	writeJSON(w, http.StatusOK, configToResponse(cfg))
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.store.DeleteConfig(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrConfigNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "config not found")
		} else {
			s.logger.Error("delete config", "key", key, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete config")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func configToResponse(c *core.SystemConfig) configResponse {
	return configResponse{
		Key:         c.Key,
		Value:       c.Value,
		Description: c.Description,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
