package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

// Providers whose API keys may live in integration_tokens instead of the env.
const (
	ProviderKie       = "kie"
	ProviderImgBB     = "imgbb"
	ProviderTurnstile = "turnstile"
)

var ErrUnknownProvider = errors.New("unknown provider")

// KnownProvider reports whether name is a provider the store manages.
func KnownProvider(name string) bool {
	switch name {
	case ProviderKie, ProviderImgBB, ProviderTurnstile:
		return true
	}
	return false
}

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	if s == nil || s.sql == nil {
		return "", nil
	}
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Set upserts the key for provider. props is stored alongside as jsonb.
func (s *Store) Set(ctx context.Context, provider, token string, props map[string]any) error {
	if !KnownProvider(provider) {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}

// Resolve prefers the env value and falls back to the stored key.
func (s *Store) Resolve(ctx context.Context, provider, envValue string) (string, error) {
	if v := strings.TrimSpace(envValue); v != "" {
		return v, nil
	}
	return s.Token(ctx, provider)
}

// ProviderInfo describes a stored key without exposing it.
type ProviderInfo struct {
	Provider  string
	UpdatedAt time.Time
}

func (s *Store) Providers(ctx context.Context) ([]ProviderInfo, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListIntegrationProviders)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderInfo
	for rows.Next() {
		var info ProviderInfo
		if err := rows.Scan(&info.Provider, &info.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// KeyFunc yields the current API key for a provider, "" when unset.
type KeyFunc func(ctx context.Context) (string, error)

// KeyFunc binds Resolve to one provider so callers pick up keys rotated in
// the database without a restart.
func (s *Store) KeyFunc(provider, envValue string) KeyFunc {
	return func(ctx context.Context) (string, error) {
		return s.Resolve(ctx, provider, envValue)
	}
}

// Static returns a KeyFunc that always yields key.
func Static(key string) KeyFunc {
	key = strings.TrimSpace(key)
	return func(context.Context) (string, error) { return key, nil }
}
