package handler

import (
	"context"
	"net/http"
	"strconv"

	"questduel/internal/logger"
	"questduel/internal/model"
	"questduel/internal/service"
	"questduel/internal/transport/rest/middleware"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryLister reads a player's finished battles, newest first
type HistoryLister interface {
	ListHistory(ctx context.Context, userID string, limit int64) ([]*model.BattleHistory, error)
}

// ActivityChecker reports whether a player holds a match lock
type ActivityChecker interface {
	IsActive(ctx context.Context, playerID string) (bool, error)
}

// BattleHandler serves a player's own battle data
type BattleHandler struct {
	history  HistoryLister
	profiles service.ProfileLookup
	activity ActivityChecker
	log      *logger.Logger
}

// NewBattleHandler creates a new battle handler
func NewBattleHandler(history HistoryLister, profiles service.ProfileLookup, activity ActivityChecker, log *logger.Logger) *BattleHandler {
	return &BattleHandler{history: history, profiles: profiles, activity: activity, log: log}
}

// ProfileResponse is the caller's battle profile and whether they are mid-battle
type ProfileResponse struct {
	model.PlayerProfile
	InBattle bool `json:"inBattle"`
}

// History handles GET /v1/me/battles?limit=
func (h *BattleHandler) History(w http.ResponseWriter, r *http.Request) {
	playerID := middleware.GetPlayerID(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := h.history.ListHistory(r.Context(), playerID, int64(limit))
	if err != nil {
		h.log.WithPlayer(playerID).WithError(err).Error("Failed to list battle history")
		writeError(w, http.StatusInternalServerError, "failed to load battle history")
		return
	}
	if rows == nil {
		rows = []*model.BattleHistory{}
	}

	writeJSON(w, http.StatusOK, rows)
}

// Profile handles GET /v1/me/profile
func (h *BattleHandler) Profile(w http.ResponseWriter, r *http.Request) {
	playerID := middleware.GetPlayerID(r.Context())

	profile, err := h.profiles.GetProfile(r.Context(), playerID)
	if err != nil {
		h.log.WithPlayer(playerID).WithError(err).Error("Failed to load profile")
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	active, err := h.activity.IsActive(r.Context(), playerID)
	if err != nil {
		h.log.WithPlayer(playerID).WithError(err).Warn("Failed to check match lock")
	}

	writeJSON(w, http.StatusOK, ProfileResponse{PlayerProfile: profile, InBattle: active})
}
