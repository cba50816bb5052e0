// Package turnstile verifies Cloudflare Turnstile tokens.
package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genstudio/internal/infra"
)

// ErrMissingSecret indicates that the verifier was configured without a secret key.
var ErrMissingSecret = errors.New("turnstile: secret key is required")

const defaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

type Options struct {
	Secret         string
	Endpoint       string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

type Client struct {
	secret     string
	endpoint   string
	httpClient *http.Client
	logger     *infra.Logger
}

// Result is the siteverify outcome.
type Result struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
	Action     string   `json:"action"`
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Client{
		secret:     strings.TrimSpace(opts.Secret),
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) HasCredentials() bool {
	return c.secret != ""
}

// WithSecret returns a copy of the client using secret.
func (c *Client) WithSecret(secret string) *Client {
	cp := *c
	cp.secret = strings.TrimSpace(secret)
	return &cp
}

// Verify checks token with siteverify. remoteIP is forwarded when known. A
// rejected token is a successful call with Result.Success false.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) (*Result, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingSecret
	}
	form := url.Values{
		"secret":   {c.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("turnstile: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("turnstile: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("turnstile: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("turnstile: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("turnstile: decode response: %w", err)
	}
	if !result.Success {
		c.logger.Info().Strs("error_codes", result.ErrorCodes).Msg("turnstile: token rejected")
	}
	return &result, nil
}
