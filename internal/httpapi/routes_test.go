package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaygrid/taskgraph/internal/httpapi"
	"github.com/relaygrid/taskgraph/internal/storage/sqlite"
	"github.com/relaygrid/taskgraph/internal/submit"
	"github.com/relaygrid/taskgraph/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (http.Handler, *sqlite.TaskRepo) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := sqlite.NewTaskRepo(store)
	svc := submit.New(store.DB(), 3)
	return httpapi.NewMux(svc, repo, nil), repo
}

func TestHandleSubmit_Success(t *testing.T) {
	mux, _ := newTestServer(t)

	body, _ := json.Marshal(types.TaskSpec{ID: "a", Type: "noop", DurationMS: 10})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var task types.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	require.Equal(t, "a", task.ID)
	require.Equal(t, types.StatusQueued, task.Status)
}

func TestHandleSubmit_DuplicateIsConflict(t *testing.T) {
	mux, _ := newTestServer(t)
	body, _ := json.Marshal(types.TaskSpec{ID: "a", Type: "noop", DurationMS: 10})

	first := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	mux.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, second)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleSubmitBatch_CycleIsConflict(t *testing.T) {
	mux, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"tasks": []types.TaskSpec{
			{ID: "a", Type: "noop", DurationMS: 10, Dependencies: []string{"b"}},
			{ID: "b", Type: "noop", DurationMS: 10, Dependencies: []string{"a"}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleGetTask_NotFound(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/ghost", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListTasks_Empty(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []types.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Empty(t, tasks)
}

func TestHandleHealthz(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
