// Package llmclient talks to a running `edgellm serve` instance.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"EdgeLLM/internal/server"
)

// FragmentCallback is called for each event of a streamed generation,
// the terminal one included.
type FragmentCallback func(server.FragmentEvent) error

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Msg)
}

type Client struct {
	BaseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, 120*time.Second)
}

// NewClientWithTimeout constructs a client using the provided timeout for
// non-streaming requests. Streams are bounded by their context only.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate runs a blocking generation. A response carrying an error is
// returned together with a *StatusError so callers still see its metrics.
func (c *Client) Generate(ctx context.Context, req server.GenerateRequest) (server.GenerateResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, c.httpClient, "/v1/generate", req, "application/json")
	if err != nil {
		return server.GenerateResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return server.GenerateResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	var out server.GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return server.GenerateResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, &StatusError{Code: resp.StatusCode, Msg: out.Error}
	}
	return out, nil
}

// GenerateStream performs a streaming generation over server-sent events,
// calling cb for each event until the terminal one.
func (c *Client) GenerateStream(ctx context.Context, req server.GenerateRequest, cb FragmentCallback) error {
	req.Stream = true

	// No client timeout: generation can take a while.
	resp, err := c.post(ctx, &http.Client{}, "/v1/generate", req, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev server.FragmentEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		if err := cb(ev); err != nil {
			return err
		}
		if ev.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return errors.New("stream ended without a terminal event")
}

// Health fetches the server's health report.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.getJSON(ctx, "/health", &out)
	return out, err
}

// Info fetches the remote model description.
func (c *Client) Info(ctx context.Context) (server.InfoResponse, error) {
	var out server.InfoResponse
	err := c.getJSON(ctx, "/v1/info", &out)
	return out, err
}

// Stop asks the server to stop its running generation.
func (c *Client) Stop(ctx context.Context) error {
	resp, err := c.post(ctx, c.httpClient, "/v1/stop", struct{}{}, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &StatusError{Code: resp.StatusCode, Msg: msg}
}
