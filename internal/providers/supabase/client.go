// Package supabase resolves Supabase access tokens to user ids.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
)

type Options struct {
	URL            string
	AnonKey        string
	JWTSecret      string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Resolver verifies tokens locally when it can: HS256 against the JWT
// secret, RS256 and ES256 against the project JWKS. Anything else goes to
// GoTrue's /auth/v1/user.
type Resolver struct {
	baseURL    string
	anonKey    string
	jwtSecret  string
	keys       *KeySet
	httpClient *http.Client
	logger     *infra.Logger
	now        func() time.Time
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func NewResolver(opts Options) *Resolver {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	r := &Resolver{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.URL), "/"),
		anonKey:    strings.TrimSpace(opts.AnonKey),
		jwtSecret:  strings.TrimSpace(opts.JWTSecret),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
	if r.baseURL != "" {
		r.keys = NewKeySet(r.baseURL, r.anonKey, httpClient)
	}
	return r
}

// Configured reports whether any resolution path is available.
func (r *Resolver) Configured() bool {
	return r.jwtSecret != "" || r.baseURL != ""
}

// ResolveUser returns the user id behind token. Missing configuration yields
// domain.ErrNotConfigured; every other failure rejects the token.
func (r *Resolver) ResolveUser(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if !r.Configured() {
		return "", domain.ErrNotConfigured
	}
	if token == "" {
		return "", ErrInvalidToken
	}

	remote := r.baseURL != "" && r.anonKey != ""
	switch alg := tokenAlg(token); {
	case alg == "HS256" && r.jwtSecret != "":
		claims, err := VerifyJWT(r.jwtSecret, token, r.now())
		if err != nil {
			return "", err
		}
		return claims.Sub, nil
	case (alg == "RS256" || alg == "ES256") && r.keys != nil:
		claims, err := r.keys.Verify(ctx, token, r.now())
		if err == nil {
			return claims.Sub, nil
		}
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) || !remote {
			return "", err
		}
		r.logger.Warn().Err(err).Msg("supabase: jwks unavailable, asking auth server")
	case !remote:
		return "", ErrInvalidToken
	}
	return r.fetchUser(ctx, token)
}

func (r *Resolver) fetchUser(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("supabase: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", r.anonKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrInvalidToken, err)
	}
	if resp.StatusCode != http.StatusOK {
		r.logger.Debug().Int("status", resp.StatusCode).Msg("supabase: user lookup rejected")
		return "", fmt.Errorf("%w: status %d", ErrInvalidToken, resp.StatusCode)
	}
	var user userResponse
	if err := json.Unmarshal(raw, &user); err != nil || strings.TrimSpace(user.ID) == "" {
		return "", fmt.Errorf("%w: malformed user response", ErrInvalidToken)
	}
	return user.ID, nil
}
