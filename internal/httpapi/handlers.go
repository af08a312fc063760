package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/submit"
	"github.com/relaygrid/taskgraph/internal/types"
)

type handlers struct {
	svc    *submit.Service
	repo   *sqlite.TaskRepo
	logger *slog.Logger
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		h.logger.Error("failed to encode healthz response", "error", err)
	}
}

func (h *handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec types.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.svc.Submit(r.Context(), spec)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, task)
}

type batchRequest struct {
	Tasks []types.TaskSpec `json:"tasks"`
}

func (h *handlers) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	tasks, err := h.svc.SubmitBatch(r.Context(), req.Tasks)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, tasks)
}

func (h *handlers) writeSubmitError(w http.ResponseWriter, err error) {
	switch types.KindOf(err) {
	case types.KindDuplicateID, types.KindUnknownDependency, types.KindCycleInBatch:
		writeError(w, h.logger, http.StatusConflict, err.Error())
	case types.KindStoreError:
		writeError(w, h.logger, http.StatusInternalServerError, "store error")
	default:
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
	}
}

func (h *handlers) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			writeError(w, h.logger, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, task)
}

func (h *handlers) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := types.Status(r.URL.Query().Get("status"))
	tasks, err := h.repo.List(r.Context(), status)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "store error")
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, h.logger, http.StatusOK, tasks)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, errorResponse{Error: msg})
}
