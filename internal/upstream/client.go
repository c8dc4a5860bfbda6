package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Route addresses one upstream credential for a single call.
type Route struct {
	BaseURL string
	APIKey  string
}

// StatusError is a non-200 upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a status code is worth retrying:
// rate-limited and 5xx-class codes including the CDN timeouts the
// upstream fronts with.
func Retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		522, 524:
		return true
	}
	return false
}

// CountsAgainstCredential reports whether a failure should feed the
// credential's health state machine. Request-shape 4xx errors are the
// caller's fault, not the credential's.
func CountsAgainstCredential(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Backoff grows linearly with the attempt number, capped at a ceiling.
func Backoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 2 * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Client issues completion calls against per-credential endpoints.
type Client struct {
	httpClient *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

func (c *Client) newRequest(ctx context.Context, route Route, req Request) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, route.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", route.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// Complete issues a single non-streaming call.
func (c *Client) Complete(ctx context.Context, route Route, req Request) (*Response, error) {
	req.Stream = false
	httpReq, err := c.newRequest(ctx, route, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Stream opens a streaming call. The caller owns the returned stream
// and must Close it; cancelling ctx aborts the in-flight read.
func (c *Client) Stream(ctx context.Context, route Route, req Request) (*Stream, error) {
	req.Stream = true
	httpReq, err := c.newRequest(ctx, route, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return &Stream{decoder: NewDecoder(resp.Body), body: resp.Body}, nil
}

// Stream is one open streaming response.
type Stream struct {
	decoder *Decoder
	body    io.ReadCloser
}

func (s *Stream) Next() (*Event, error) {
	return s.decoder.Next()
}

func (s *Stream) Close() error {
	return s.body.Close()
}
