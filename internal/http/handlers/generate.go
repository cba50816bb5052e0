package handlers

import (
	"net/http"
	"strings"

	"genstudio/internal/generation"
	"genstudio/internal/middleware"
)

// Generate handles POST /api/generate. An Authorization bearer header stands
// in for a missing accessToken field.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var req generation.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		req.AccessToken = middleware.BearerToken(r)
	}
	req.RemoteIP = middleware.ClientIP(r)

	res, err := a.Generation.Submit(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

// GenerateStatus handles both POST (JSON body) and GET (query string).
func (a *App) GenerateStatus(w http.ResponseWriter, r *http.Request) {
	var req generation.StatusRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.TaskID = q.Get("taskId")
		req.AccessToken = q.Get("accessToken")
	} else if err := decodeJSON(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		req.AccessToken = middleware.BearerToken(r)
	}

	res, err := a.Generation.Status(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}
