package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the server's worker endpoints.
type Client struct {
	baseURL string
	http    *http.Client

	workerID string
	secret   string
}

// NewClient creates a client for the server at baseURL (no trailing
// slash).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Credentials returns the worker's id and secret after registration.
func (c *Client) Credentials() (workerID, secret string) {
	return c.workerID, c.secret
}

// Register consumes a registration token and stores the returned
// credentials on the client.
func (c *Client) Register(ctx context.Context, token, name, platform, executorType string, capabilities []string) error {
	body := map[string]any{
		"token":         token,
		"name":          name,
		"platform":      platform,
		"executor_type": executorType,
		"capabilities":  capabilities,
	}
	var resp struct {
		WorkerID string `json:"worker_id"`
		Secret   string `json:"worker_secret"`
	}
	if err := c.post(ctx, "/api/v1/workers/register", body, &resp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.workerID = resp.WorkerID
	c.secret = resp.Secret
	return nil
}

// Heartbeat reports liveness and returns whether the server asked the
// worker to drain.
func (c *Client) Heartbeat(ctx context.Context) (bool, error) {
	var resp struct {
		Directive string `json:"directive"`
	}
	path := "/api/v1/workers/" + c.workerID + "/heartbeat"
	if err := c.post(ctx, path, map[string]string{"worker_secret": c.secret}, &resp); err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return resp.Directive == "drain", nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error.Kind != "" {
			return fmt.Errorf("%s: %s", errBody.Error.Kind, errBody.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
