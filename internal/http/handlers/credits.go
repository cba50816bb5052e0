package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/credits"
	"genstudio/internal/domain"
	"genstudio/internal/middleware"
)

type creditsResponse struct {
	Success bool `json:"success"`
	Credits int  `json:"credits"`
}

// Credits returns the balance of the user resolved by middleware.RequireUser.
func (a *App) Credits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "Invalid access token")
		return
	}
	if a.Ledger == nil {
		a.fail(w, r, domain.ConfigError(domain.ErrNotConfigured))
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidUserID) {
			a.error(w, http.StatusUnauthorized, "Invalid access token")
			return
		}
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("balance lookup failed")
		a.error(w, http.StatusInternalServerError, "Failed to check credits")
		return
	}
	a.json(w, http.StatusOK, creditsResponse{Success: true, Credits: balance})
}

type usageResponse struct {
	Success bool `json:"success"`
	credits.Usage
}

// Usage reports the anonymous counter mirrored for a visitor id.
func (a *App) Usage(w http.ResponseWriter, r *http.Request) {
	a.usage(w, r, false)
}

// RecordUsage counts one anonymous submission. It is never decremented.
func (a *App) RecordUsage(w http.ResponseWriter, r *http.Request) {
	a.usage(w, r, true)
}

func (a *App) usage(w http.ResponseWriter, r *http.Request, increment bool) {
	if a.UsageMirror == nil {
		a.fail(w, r, domain.ConfigError(domain.ErrNotConfigured))
		return
	}
	visitorID := chi.URLParam(r, "visitorId")
	var (
		used int
		err  error
	)
	if increment {
		used, err = a.UsageMirror.Increment(r.Context(), visitorID)
	} else {
		used, err = a.UsageMirror.Used(r.Context(), visitorID)
	}
	if err != nil {
		if errors.Is(err, credits.ErrInvalidVisitorID) {
			a.error(w, http.StatusBadRequest, "Invalid visitor id")
			return
		}
		a.Logger.Error().Err(err).Str("visitor_id", visitorID).Msg("usage mirror failed")
		a.error(w, http.StatusInternalServerError, "Failed to read usage")
		return
	}
	a.json(w, http.StatusOK, usageResponse{Success: true, Usage: credits.Summarize(used)})
}
