package kie

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

	"genstudio/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("kie: api key is required")

const (
	defaultBaseURL = "https://api.kie.ai"
	generatePath   = "/api/v1/gpt4o-image/generate"
	recordInfoPath = "/api/v1/gpt4o-image/record-info"
)

// Options configures the Kie.ai 4o-image client.
type Options struct {
	APIKey         string
	BaseURL        string
	CallbackURL    string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Kie.ai 4o-image task API.
type Client struct {
	apiKey      string
	baseURL     string
	callbackURL string
	httpClient  *http.Client
	logger      *infra.Logger
}

// CreateTaskRequest is the provider-facing submission. FilesURL is omitted
// from the wire payload when empty.
type CreateTaskRequest struct {
	Prompt   string
	Size     string
	FilesURL []string
}

// TaskRecord is the provider's view of one task.
type TaskRecord struct {
	TaskID       string
	Status       string
	Progress     string
	ResultURLs   []string
	ErrorCode    int
	ErrorMessage string
}

// APIError carries a non-2xx response or an envelope whose code is not 200.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Body       json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kie: status %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("kie: status %d code %d", e.HTTPStatus, e.Code)
}

// Details returns the upstream body for client-facing error details. Non-JSON
// bodies come back as a plain string.
func (e *APIError) Details() any {
	if len(e.Body) == 0 {
		return nil
	}
	if json.Valid(e.Body) {
		return e.Body
	}
	return strings.TrimSpace(string(e.Body))
}

type generateRequest struct {
	FilesURL    []string `json:"filesUrl,omitempty"`
	Prompt      string   `json:"prompt"`
	Size        string   `json:"size"`
	CallBackURL string   `json:"callBackUrl,omitempty"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type generateData struct {
	TaskID string `json:"taskId"`
}

type recordData struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	Progress string `json:"progress"`
	Response *struct {
		ResultURLs []string `json:"resultUrls"`
	} `json:"response"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// NewClient constructs a client with defaults for anything left unset.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("kie: invalid base url: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     baseURL,
		callbackURL: strings.TrimSpace(opts.CallbackURL),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// WithAPIKey returns a copy of the client using key. The HTTP client is shared.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.apiKey = strings.TrimSpace(key)
	return &cp
}

// CreateTask submits a generation request and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("kie: prompt is required")
	}
	payload := generateRequest{
		Prompt:      prompt,
		Size:        req.Size,
		CallBackURL: c.callbackURL,
	}
	if len(req.FilesURL) > 0 {
		payload.FilesURL = req.FilesURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("kie: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kie: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	env, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	var data generateData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", fmt.Errorf("kie: decode task id: %w", err)
		}
	}
	taskID := strings.TrimSpace(data.TaskID)
	if taskID == "" {
		raw, _ := json.Marshal(env)
		return "", &APIError{HTTPStatus: http.StatusOK, Code: env.Code, Message: "missing task id", Body: raw}
	}
	c.logger.Debug().
		Str("task_id", taskID).
		Int("files", len(payload.FilesURL)).
		Str("size", payload.Size).
		Msg("kie: task created")
	return taskID, nil
}

// GetTask reads the current record for taskID. One HTTP request per call.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("kie: task id is required")
	}
	endpoint := c.baseURL + recordInfoPath + "?" + url.Values{"taskId": {taskID}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("kie: build request: %w", err)
	}

	env, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var data recordData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("kie: decode record: %w", err)
		}
	}
	rec := &TaskRecord{
		TaskID:       data.TaskID,
		Status:       data.Status,
		Progress:     data.Progress,
		ErrorCode:    data.ErrorCode,
		ErrorMessage: strings.TrimSpace(data.ErrorMessage),
	}
	if rec.TaskID == "" {
		rec.TaskID = taskID
	}
	if data.Response != nil {
		for _, u := range data.Response.ResultURLs {
			if u = strings.TrimSpace(u); u != "" {
				rec.ResultURLs = append(rec.ResultURLs, u)
			}
		}
	}
	return rec, nil
}

// do sends the request and unwraps the {code,msg,data} envelope. Transport
// failures come back unwrapped; HTTP and envelope failures as *APIError.
func (c *Client) do(req *http.Request) (*envelope, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kie: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("kie: read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Body: raw}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Msg
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("kie: upstream error")
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("kie: decode response: %w", decodeErr)
	}
	if env.Code != http.StatusOK {
		c.logger.Warn().Int("code", env.Code).Str("msg", env.Msg).Str("path", req.URL.Path).Msg("kie: envelope error")
		return nil, &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Msg, Body: raw}
	}
	return &env, nil
}
