package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/middleware"
	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/pricing"
)

// TaskGate is the subset of *gate.Gate used by the task endpoints.
type TaskGate interface {
	AuthorizeAndSubmit(ctx context.Context, accountID uuid.UUID, kind models.OperationKind, input json.RawMessage) (*models.Task, error)
	OwnedTask(ctx context.Context, accountID uuid.UUID, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error)
	Poll(ctx context.Context, taskID string) (gate.Outcome, error)
}

// PriceList lists billable operations.
type PriceList interface {
	List() []pricing.Operation
}

// TaskHandler serves /v1/operations and /v1/tasks.
type TaskHandler struct {
	Gate   TaskGate
	Prices PriceList
	Logger *slog.Logger
}

// ListOperations handles GET /v1/operations (public, no auth).
func (h *TaskHandler) ListOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Prices.List())
}

type submitRequest struct {
	Operation models.OperationKind `json:"operation"`
	Input     json.RawMessage      `json:"input"`
}

type submitResponse struct {
	TaskID string           `json:"task_id"`
	State  models.TaskState `json:"state"`
	Cost   int64            `json:"cost"`
	Unit   models.Unit      `json:"unit"`
}

// Submit handles POST /v1/operations.
// Auth (middleware) -> Reserve -> Provider submit -> Record -> 202.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required")
		return
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage("{}")
	}

	task, err := h.Gate.AuthorizeAndSubmit(r.Context(), acc.ID, req.Operation, req.Input)
	if err != nil {
		writeDomainError(w, h.Logger, "submit operation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID: task.ID,
		State:  task.State,
		Cost:   task.Cost,
		Unit:   task.Unit,
	})
}

// ListTasks handles GET /v1/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tasks, err := h.Gate.ListTasks(r.Context(), acc.ID, queryLimit(r))
	if err != nil {
		writeDomainError(w, h.Logger, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	task, err := h.Gate.OwnedTask(r.Context(), acc.ID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.Logger, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type pollResponse struct {
	gate.Outcome
	Task *models.Task `json:"task"`
}

// PollTask handles POST /v1/tasks/{id}/poll: asks the provider now instead of
// waiting for the next scheduled poll.
func (h *TaskHandler) PollTask(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")
	if _, err := h.Gate.OwnedTask(r.Context(), acc.ID, id); err != nil {
		writeDomainError(w, h.Logger, "poll task", err)
		return
	}
	out, err := h.Gate.Poll(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.Logger, "poll task", err)
		return
	}
	task, err := h.Gate.OwnedTask(r.Context(), acc.ID, id)
	if err != nil {
		writeDomainError(w, h.Logger, "poll task", err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Outcome: out, Task: task})
}
