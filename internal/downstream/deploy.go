package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DeployClient is the interface for pushing assets into a deploy.
type DeployClient interface {
	UploadAsset(ctx context.Context, deployID, digest string, body []byte) error
	FinalizeDeploy(ctx context.Context, deployID string) (string, error)
	Ready(ctx context.Context) error
}

// HTTPDeployClient implements DeployClient against the deploy service's
// HTTP API.
type HTTPDeployClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPDeployClient creates a new deploy service client.
func NewHTTPDeployClient(baseURL, token string, timeout time.Duration) *HTTPDeployClient {
	return &HTTPDeployClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// UploadAsset uploads one content-addressed asset into the deploy. The
// deploy service treats a repeated upload of the same digest as a no-op,
// so retried jobs are safe.
func (c *HTTPDeployClient) UploadAsset(ctx context.Context, deployID, digest string, body []byte) error {
	u := fmt.Sprintf("%s/api/v1/deploys/%s/files/%s",
		c.baseURL, url.PathEscape(deployID), url.PathEscape(digest))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(httpBody(body)))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

// FinalizeDeploy tells the deploy service that every required asset has
// been uploaded and returns the published deploy URL.
func (c *HTTPDeployClient) FinalizeDeploy(ctx context.Context, deployID string) (string, error) {
	u := fmt.Sprintf("%s/api/v1/deploys/%s/finalize", c.baseURL, url.PathEscape(deployID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var finalizeResp struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&finalizeResp); err != nil {
		return "", fmt.Errorf("decoding finalize response: %w", err)
	}
	return finalizeResp.URL, nil
}

func (c *HTTPDeployClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: deploy service not ready (status %d)", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPDeployClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// httpBody guards against a nil slice turning into a chunked request with
// no Content-Length.
func httpBody(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
