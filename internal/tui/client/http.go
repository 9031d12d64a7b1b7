package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient makes REST calls to the management API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8889").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches GET /api/status.
func (c *HTTPClient) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Start sends POST /api/server/start.
func (c *HTTPClient) Start(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodPost, "/api/server/start", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stop sends POST /api/server/stop.
func (c *HTTPClient) Stop(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodPost, "/api/server/stop", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// TriggerEmergency sends POST /api/emergency.
func (c *HTTPClient) TriggerEmergency(ctx context.Context, reason string) (*EmergencyResult, error) {
	var out EmergencyResult
	if err := c.do(ctx, http.MethodPost, "/api/emergency", map[string]string{"reason": reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearEmergency sends DELETE /api/emergency.
func (c *HTTPClient) ClearEmergency(ctx context.Context) (bool, error) {
	var out ClearResponse
	if err := c.do(ctx, http.MethodDelete, "/api/emergency", nil, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var ep ErrorPayload
		if json.Unmarshal(respBody, &ep) == nil && ep.Message != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, ep.Message)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
