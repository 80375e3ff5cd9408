package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CompletionClient is the interface for running a model completion over an
// assembled prompt payload.
type CompletionClient interface {
	Complete(ctx context.Context, model string, input []byte) (*CompletionResult, error)
}

// CompletionResult is the model service's answer.
type CompletionResult struct {
	ID     string `json:"id"`
	Output string `json:"output"`
	Model  string `json:"model"`
}

// HTTPCompletionClient implements CompletionClient against the model
// service's HTTP API.
type HTTPCompletionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPCompletionClient creates a new model service client.
func NewHTTPCompletionClient(baseURL, apiKey string, timeout time.Duration) *HTTPCompletionClient {
	return &HTTPCompletionClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCompletionClient) Complete(ctx context.Context, model string, input []byte) (*CompletionResult, error) {
	reqBody, err := json.Marshal(map[string]string{
		"model": model,
		"input": string(input),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var result CompletionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}
	if result.Model == "" {
		result.Model = model
	}
	return &result, nil
}
