// Package httpapi is the thin HTTP surface over SubmitService and TaskRepo:
// submit and read endpoints, JSON bodies, status-mapped errors.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/submit"
)

// NewMux builds the routed handler: submit/read endpoints over
// Go's method-pattern ServeMux, wrapped with request-correlation logging.
func NewMux(svc *submit.Service, repo *sqlite.TaskRepo, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, repo: repo, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /tasks", h.handleSubmit)
	mux.HandleFunc("POST /tasks/batch", h.handleSubmitBatch)
	mux.HandleFunc("GET /tasks/{id}", h.handleGetTask)
	mux.HandleFunc("GET /tasks", h.handleListTasks)

	return withRequestLogging(logger, mux)
}
