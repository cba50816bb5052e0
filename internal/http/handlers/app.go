package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"genstudio/internal/credits"
	"genstudio/internal/domain"
	"genstudio/internal/generation"
	"genstudio/internal/infra"
)

// maxBodyBytes bounds a submission: five reference images of up to
// storage.MaxImageBytes each, base64 encoded, plus the prompt.
const maxBodyBytes = 72 << 20

// GenerationService is the lifecycle surface the handlers expose.
type GenerationService interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
	Status(ctx context.Context, req generation.StatusRequest) (*generation.StatusResult, error)
}

// BalanceReader reads authenticated credit balances.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int, error)
}

type App struct {
	Generation  GenerationService
	Ledger      BalanceReader
	UsageMirror credits.UsageMirror
	Logger      *infra.Logger
}

func NewApp(gen GenerationService, ledger BalanceReader, usage credits.UsageMirror, logger *infra.Logger) *App {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &App{Generation: gen, Ledger: ledger, UsageMirror: usage, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, errorBody{Error: msg})
}

// fail renders a domain.Error as-is and anything else as an opaque 500.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		a.error(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if derr.Status >= http.StatusInternalServerError {
		a.Logger.Warn().Err(derr).Str("kind", string(derr.Kind)).Str("path", r.URL.Path).Msg("request failed")
	}
	a.json(w, derr.Status, errorBody{Error: derr.Message, Code: derr.Code, Details: derr.Details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
