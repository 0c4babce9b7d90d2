package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/provider"
)

const maxCallbackBody = 1 << 20

// StatusReporter applies a provider status to a task (satisfied by *gate.Gate).
type StatusReporter interface {
	ReportStatus(ctx context.Context, providerName, taskID string, status provider.Status) (gate.Outcome, error)
}

// ProviderLookup resolves an adapter by provider name.
type ProviderLookup interface {
	ByName(name string) (provider.Adapter, bool)
}

// CallbackHandler serves POST /v1/callbacks/{provider}. Signature checks run
// in middleware before it.
type CallbackHandler struct {
	Reporter  StatusReporter
	Providers ProviderLookup
	Logger    *slog.Logger
}

func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	adapter, ok := h.Providers.ByName(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	parser, ok := adapter.(provider.CallbackParser)
	if !ok {
		writeError(w, http.StatusNotFound, "provider does not push callbacks")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	externalID, status, err := parser.ParseCallback(body)
	if err != nil {
		h.Logger.Warn("unparseable callback", "provider", name, "error", err)
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}

	// A provider can only name its own tasks.
	taskID := models.TaskKey(name, externalID)
	out, err := h.Reporter.ReportStatus(r.Context(), name, taskID, status)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrTaskNotFound):
			// The callback can beat task creation; 404 makes the provider retry.
			writeError(w, http.StatusNotFound, "task not found")
			return
		case errors.Is(err, gate.ErrProviderMismatch):
			h.Logger.Warn("callback for another provider's task", "provider", name, "task_id", taskID)
			writeError(w, http.StatusForbidden, "task belongs to another provider")
			return
		}
		h.Logger.Error("apply callback", "provider", name, "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
