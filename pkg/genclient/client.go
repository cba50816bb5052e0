// Package genclient is a Go client for the genstudio API. Besides the raw
// endpoint calls it carries the browser-side lifecycle: the credit gate, the
// persisted pending task and the polling session.
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 1 << 20
)

// Task statuses reported by the status endpoint.
const (
	StatusGenerating = "GENERATING"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
)

var ErrMissingBaseURL = errors.New("genclient: base url is required")

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("genclient: http %d", e.StatusCode)
	}
	return fmt.Sprintf("genclient: http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("genclient: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, accessToken: strings.TrimSpace(opts.AccessToken), http: httpClient}, nil
}

// Authenticated reports whether calls carry an access token.
func (c *Client) Authenticated() bool { return c.accessToken != "" }

type SubmitRequest struct {
	Images         []string `json:"images,omitempty"`
	Prompt         string   `json:"prompt"`
	Size           string   `json:"size,omitempty"`
	TurnstileToken string   `json:"turnstileToken"`
	AccessToken    string   `json:"accessToken,omitempty"`
}

type SubmitResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type StatusResponse struct {
	Success        bool   `json:"success"`
	Status         string `json:"status"`
	GeneratedImage string `json:"generatedImage,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Usage struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Max       int `json:"max"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.AccessToken == "" {
		req.AccessToken = c.accessToken
	}
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate", req, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, errors.New("genclient: response missing taskId")
	}
	return &out, nil
}

// Status queries one task. A terminal failure is a 200 with success=false and
// is returned without error.
func (c *Client) Status(ctx context.Context, taskID string) (*StatusResponse, error) {
	body := map[string]string{"taskId": taskID}
	if c.accessToken != "" {
		body["accessToken"] = c.accessToken
	}
	var out StatusResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate/status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Credits reads the authenticated balance.
func (c *Client) Credits(ctx context.Context) (int, error) {
	var out struct {
		Credits int `json:"credits"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/credits", nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

func (c *Client) Usage(ctx context.Context, visitorID string) (*Usage, error) {
	var out Usage
	if err := c.do(ctx, http.MethodGet, "/api/usage/"+url.PathEscape(visitorID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordUsage mirrors one anonymous submission to the server.
func (c *Client) RecordUsage(ctx context.Context, visitorID string) (*Usage, error) {
	var out Usage
	if err := c.do(ctx, http.MethodPost, "/api/usage/"+url.PathEscape(visitorID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("genclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("genclient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error   string          `json:"error"`
			Code    string          `json:"code"`
			Details json.RawMessage `json:"details"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Message, apiErr.Code, apiErr.Details = envelope.Error, envelope.Code, envelope.Details
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("genclient: decode response: %w", err)
	}
	return nil
}
