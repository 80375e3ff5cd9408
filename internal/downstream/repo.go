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

// RepoClient is the interface for pushing assembled payloads into a
// repository.
type RepoClient interface {
	PushArchive(ctx context.Context, repo, ref string, payload []byte) (string, error)
}

// HTTPRepoClient implements RepoClient against the repository service's
// HTTP API.
type HTTPRepoClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRepoClient creates a new repository service client.
func NewHTTPRepoClient(baseURL, token string, timeout time.Duration) *HTTPRepoClient {
	return &HTTPRepoClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// PushArchive uploads the payload as an archive to be unpacked at ref and
// returns the resulting commit identifier. The repository service keys the
// push on the archive's digest, so a retried job lands on the same commit.
func (c *HTTPRepoClient) PushArchive(ctx context.Context, repo, ref string, payload []byte) (string, error) {
	u := fmt.Sprintf("%s/api/v1/repos/%s/archive?ref=%s",
		c.baseURL, url.PathEscape(repo), url.QueryEscape(ref))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(httpBody(payload)))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var pushResp struct {
		Commit string `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return "", fmt.Errorf("decoding push response: %w", err)
	}
	return pushResp.Commit, nil
}
