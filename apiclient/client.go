// Package apiclient is the HTTP client for the dossier backend's
// request/response operations: creating outbound messages, resolving field
// conflicts, and fetching viewers, field versions and participant colors.
//
// Errors are classified with delivery.NewTransientError and
// delivery.NewFatalError so the delivery queue can tell a retryable outage
// from a rejected request.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/dossiersync/collab"
	"github.com/c360studio/dossiersync/delivery"
)

// maxResponseSize limits response bodies read from the backend.
const maxResponseSize = 1 * 1024 * 1024 // 1MB

// DefaultTimeout bounds every request made with the default HTTP client.
const DefaultTimeout = 30 * time.Second

// Client talks to the dossier backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

var (
	_ delivery.Sender  = (*Client)(nil)
	_ collab.RemoteAPI = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https: %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateMessage implements delivery.Sender.
func (c *Client) CreateMessage(ctx context.Context, req delivery.MessageRequest) (*delivery.Message, error) {
	var msg delivery.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}

// ResolveConflict implements collab.RemoteAPI.
func (c *Client) ResolveConflict(ctx context.Context, dossierID string, res collab.ConflictResolution) (*collab.ConflictSignal, error) {
	var sig collab.ConflictSignal
	path := "/api/dossiers/" + url.PathEscape(dossierID) + "/conflict/resolve"
	if err := c.do(ctx, http.MethodPost, path, res, &sig); err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	return &sig, nil
}

// Viewers implements collab.RemoteAPI.
func (c *Client) Viewers(ctx context.Context, dossierID string) ([]collab.Viewer, error) {
	var viewers []collab.Viewer
	path := "/api/dossiers/" + url.PathEscape(dossierID) + "/viewers"
	if err := c.do(ctx, http.MethodGet, path, nil, &viewers); err != nil {
		return nil, fmt.Errorf("fetch viewers: %w", err)
	}
	return viewers, nil
}

// FieldVersion implements collab.RemoteAPI.
func (c *Client) FieldVersion(ctx context.Context, dossierID, field string) (int, error) {
	var out struct {
		Version int `json:"version"`
	}
	path := "/api/dossiers/" + url.PathEscape(dossierID) + "/fields/" + url.PathEscape(field) + "/version"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("fetch field version: %w", err)
	}
	return out.Version, nil
}

// ParticipantColor implements collab.RemoteAPI.
func (c *Client) ParticipantColor(ctx context.Context, participantID string) (string, error) {
	var out struct {
		Color string `json:"color"`
	}
	path := "/api/participants/" + url.PathEscape(participantID) + "/color"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("fetch participant color: %w", err)
	}
	return out.Color, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return delivery.NewFatalError(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return delivery.NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Sending API request", "method", method, "path", path)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return delivery.NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return delivery.NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return classifyHTTPError(httpResp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return delivery.NewFatalError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return delivery.NewTransientError(err)
	case statusCode >= 500:
		return delivery.NewTransientError(err)
	default:
		// Validation, auth and not-found errors will not fix themselves.
		return delivery.NewFatalError(err)
	}
}
