package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SecretHeader carries the shared secret that authenticates trigger
// requests between gateway invocations.
const SecretHeader = "X-Job-Worker-Secret"

// ErrNoSecret means dispatch is not configured; triggers are skipped
// rather than failed.
var ErrNoSecret = errors.New("worker secret not configured")

// Dispatcher triggers a worker invocation for a queued job. Configured
// reports whether triggers can be delivered at all; callers degrade to a
// skipped no-op when it is false.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
	Configured() bool
}

// HTTPDispatcher implements Dispatcher by POSTing the job ID back at the
// gateway's own worker endpoint. Delivery is fire-and-forget: a 2xx means
// the invocation started, not that the job finished.
type HTTPDispatcher struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPDispatcher creates a dispatcher for the worker endpoint rooted at
// baseURL.
func NewHTTPDispatcher(baseURL, secret string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the shared secret is set.
func (d *HTTPDispatcher) Configured() bool {
	return d.secret != ""
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	if d.secret == "" {
		return ErrNoSecret
	}

	body, err := json.Marshal(map[string]string{"job_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("encoding trigger body: %w", err)
	}

	u := fmt.Sprintf("%s/internal/worker/run", d.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, d.secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering trigger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trigger rejected: status %d", resp.StatusCode)
	}

	slog.Debug("worker triggered", "job_id", jobID)
	return nil
}
