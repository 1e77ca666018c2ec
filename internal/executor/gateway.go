package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/retry"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GatewayClient drives sessions through the OpenClaw gateway HTTP API.
type GatewayClient struct {
	baseURL    string
	token      string
	httpClient HTTPClient
	retry      retry.Config
	logger     zerolog.Logger
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *GatewayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
		logger:     logger.With().Str("component", "executor.gateway").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *GatewayClient) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetRetryConfig sets the backoff used for history reads (for testing).
func (c *GatewayClient) SetRetryConfig(cfg retry.Config) {
	c.retry = cfg
}

type historyResponse struct {
	Messages []Message `json:"messages"`
}

// Spawn starts a session via POST /api/sessions/spawn.
func (c *GatewayClient) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("encoding spawn request: %w", err)
	}

	var out SpawnResult
	if err := c.do(ctx, "spawn", http.MethodPost, "/api/sessions/spawn", bytes.NewReader(body), &out); err != nil {
		return SpawnResult{}, err
	}
	if out.SessionKey == "" {
		return SpawnResult{}, perrors.NewExecutorError("spawn", 0, "response has no session key")
	}

	c.logger.Info().
		Str("session_key", out.SessionKey).
		Str("label", req.Label).
		Str("status", out.Status).
		Msg("session spawned")
	return out, nil
}

// History fetches the latest messages via GET /api/sessions/{key}/history.
func (c *GatewayClient) History(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	path := "/api/sessions/" + url.PathEscape(sessionKey) + "/history?limit=" + strconv.Itoa(limit)

	// Reads are idempotent; spawns are never retried.
	var out historyResponse
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		out = historyResponse{}
		return c.do(ctx, "history", http.MethodGet, path, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *GatewayClient) do(ctx context.Context, op, method, path string, body io.Reader, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &perrors.ExecutorError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return perrors.NewExecutorError(op, resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 500))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &perrors.ExecutorError{Op: op, Message: "decoding response", Err: err}
	}
	return nil
}
