package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkowalski/jobgate/internal/scheduler"
)

// --- mocks ---

type mockRunner struct {
	ran chan uuid.UUID
	err error
}

func (m *mockRunner) Run(_ context.Context, jobID uuid.UUID) error {
	m.ran <- jobID
	return m.err
}

type mockRetrySweep struct {
	summary *scheduler.RetrySummary
	err     error
}

func (m *mockRetrySweep) Run(_ context.Context) (*scheduler.RetrySummary, error) {
	return m.summary, m.err
}

type mockRetentionSweep struct {
	summary *scheduler.RetentionSummary
	err     error
}

func (m *mockRetentionSweep) Run(_ context.Context) (*scheduler.RetentionSummary, error) {
	return m.summary, m.err
}

// --- worker run tests ---

func TestWorkerRunHandler_AcceptsAndRunsDetached(t *testing.T) {
	runner := &mockRunner{ran: make(chan uuid.UUID, 1)}
	h := NewWorkerRunHandler(runner)

	jobID := uuid.New()
	body, _ := json.Marshal(map[string]string{"job_id": jobID.String()})
	r := httptest.NewRequest(http.MethodPost, "/internal/worker/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case got := <-runner.ran:
		if got != jobID {
			t.Errorf("ran wrong job: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("runner was never invoked")
	}
}

func TestWorkerRunHandler_AcceptsEvenWhenRunFails(t *testing.T) {
	// The trigger contract is fire-and-forget: a failing run is logged,
	// never reflected in the trigger response.
	runner := &mockRunner{ran: make(chan uuid.UUID, 1), err: errors.New("boom")}
	h := NewWorkerRunHandler(runner)

	body, _ := json.Marshal(map[string]string{"job_id": uuid.NewString()})
	r := httptest.NewRequest(http.MethodPost, "/internal/worker/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	<-runner.ran
}

func TestWorkerRunHandler_InvalidBody(t *testing.T) {
	h := NewWorkerRunHandler(&mockRunner{ran: make(chan uuid.UUID, 1)})

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"bad uuid", `{"job_id":"not-a-uuid"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/internal/worker/run",
				bytes.NewReader([]byte(tc.body)))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

// --- sweep tests ---

func TestRetrySweepHandler_ReturnsSummary(t *testing.T) {
	h := NewRetrySweepHandler(&mockRetrySweep{summary: &scheduler.RetrySummary{
		Scanned: 4, Claimed: 3, Triggered: 2,
	}})

	r := httptest.NewRequest(http.MethodPost, "/internal/sweep/retry", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	data := parseDataOK(t, rec, http.StatusOK)
	if data["scanned"] != float64(4) || data["triggered"] != float64(2) {
		t.Errorf("unexpected summary: %v", data)
	}
}

func TestRetrySweepHandler_SkippedIsStillOK(t *testing.T) {
	h := NewRetrySweepHandler(&mockRetrySweep{summary: &scheduler.RetrySummary{Skipped: true}})

	r := httptest.NewRequest(http.MethodPost, "/internal/sweep/retry", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	data := parseDataOK(t, rec, http.StatusOK)
	if data["skipped"] != true {
		t.Errorf("expected skipped=true, got %v", data)
	}
}

func TestRetrySweepHandler_Error(t *testing.T) {
	h := NewRetrySweepHandler(&mockRetrySweep{err: errors.New("db down")})

	r := httptest.NewRequest(http.MethodPost, "/internal/sweep/retry", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRetentionSweepHandler_ReturnsSummary(t *testing.T) {
	h := NewRetentionSweepHandler(&mockRetentionSweep{summary: &scheduler.RetentionSummary{
		Scanned: 5, Expired: 2, BlobsDeleted: 6, RowsDeleted: 1,
	}})

	r := httptest.NewRequest(http.MethodPost, "/internal/sweep/retention", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	data := parseDataOK(t, rec, http.StatusOK)
	if data["expired"] != float64(2) || data["blobs_deleted"] != float64(6) {
		t.Errorf("unexpected summary: %v", data)
	}
}
