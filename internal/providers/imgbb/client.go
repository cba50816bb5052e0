package imgbb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"genstudio/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("imgbb: api key is required")

const defaultEndpoint = "https://api.imgbb.com/1/upload"

// Options configures the ImgBB upload client.
type Options struct {
	APIKey string
	// Endpoint overrides the upload URL, used by tests.
	Endpoint string
	// Expiration deletes uploads after this many seconds when positive.
	Expiration     int
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

type Client struct {
	apiKey     string
	endpoint   string
	expiration int
	httpClient *http.Client
	logger     *infra.Logger
}

type uploadResponse struct {
	Data struct {
		ID         string `json:"id"`
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Error   *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
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
		apiKey:     strings.TrimSpace(opts.APIKey),
		endpoint:   endpoint,
		expiration: opts.Expiration,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// WithAPIKey returns a copy of the client using key.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.apiKey = strings.TrimSpace(key)
	return &cp
}

// Upload posts raw image bytes and returns the public URL ImgBB assigns.
func (c *Client) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	if len(data) == 0 {
		return "", errors.New("imgbb: empty image")
	}

	q := url.Values{"key": {c.apiKey}}
	if c.expiration > 0 {
		q.Set("expiration", strconv.Itoa(c.expiration))
	}
	form := url.Values{"image": {base64.StdEncoding.EncodeToString(data)}}
	if name != "" {
		form.Set("name", name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("imgbb: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("imgbb: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("imgbb: read response: %w", err)
	}

	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("imgbb: status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !decoded.Success {
		msg := strings.TrimSpace(string(raw))
		if decoded.Error != nil && decoded.Error.Message != "" {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("imgbb: status %d: %s", resp.StatusCode, msg)
	}
	if decoded.Data.URL == "" {
		return "", errors.New("imgbb: empty image url")
	}
	c.logger.Debug().Str("image_id", decoded.Data.ID).Int("bytes", len(data)).Msg("imgbb: uploaded")
	return decoded.Data.URL, nil
}
