package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/wkalt/tapecache/routes"
	"github.com/wkalt/tapecache/util/httputil"
)

/*
Package client calls the status routes of a running tapecache service.
*/

////////////////////////////////////////////////////////////////////////////////

// Client is a client of the status routes.
type Client struct {
	serverURL string
	httpc     *http.Client
}

// New constructs a client of the service listening at serverURL.
func New(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		httpc:     &http.Client{},
	}
}

// Status returns the service status.
func (c *Client) Status(ctx context.Context) (*routes.StatusResponse, error) {
	var resp routes.StatusResponse
	if err := c.call(ctx, http.MethodGet, "/status", http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Caches returns a summary of every open cache.
func (c *Client) Caches(ctx context.Context) ([]routes.CacheSummary, error) {
	var resp []routes.CacheSummary
	if err := c.call(ctx, http.MethodGet, "/caches", http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Upload flushes the caches and runs an upload cycle.
func (c *Client) Upload(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/upload", http.StatusOK, nil)
}

// Flush writes pending records of every cache to disk.
func (c *Client) Flush(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/flush", http.StatusNoContent, nil)
}

func (c *Client) call(ctx context.Context, method, path string, expected int, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != expected {
		var apiErr httputil.ErrorResponse
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s failed: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s failed: unexpected status %s", path, resp.Status)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
