package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/mkowalski/jobgate/internal/api/middleware"
	"github.com/mkowalski/jobgate/internal/api/response"
	"github.com/mkowalski/jobgate/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJobHandler      http.HandlerFunc
	JobStatusHandler      http.HandlerFunc
	PutChunkHandler       http.HandlerFunc
	CompleteUploadHandler http.HandlerFunc

	WorkerRunHandler      http.HandlerFunc
	RetrySweepHandler     http.HandlerFunc
	RetentionSweepHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Internal endpoints, shared-secret only
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.RequireWorkerSecret)

		r.Post("/internal/worker/run", orNotImplemented(deps.WorkerRunHandler))
		r.Post("/internal/sweep/retry", orNotImplemented(deps.RetrySweepHandler))
		r.Post("/internal/sweep/retention", orNotImplemented(deps.RetentionSweepHandler))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeSubmit))

			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeDeployer))

			r.Put("/api/v1/uploads/{jobID}/chunks", orNotImplemented(deps.PutChunkHandler))
			r.Post("/api/v1/uploads/{jobID}/complete", orNotImplemented(deps.CompleteUploadHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
