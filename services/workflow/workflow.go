package workflow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dagflow/api/services/storage"
)

// maxRequestBody limits the size of the execute request body to prevent abuse.
const maxRequestBody = 1 << 20 // 1MB

// HandleGetWorkflow loads a workflow definition by ID and returns it as
// JSON (id, name, nodes, edges). Ownership is enforced by the query, so
// another user's workflow reads as not found.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("returning workflow definition", "id", id, "requestId", rid)

	wfUUID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("invalid workflow id", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid workflow id", http.StatusBadRequest)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	wf, nodeList, edgeList, err := s.storage.LoadWorkflowForExecution(ctx, wfUUID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("workflow not found", "id", wfUUID, "requestId", rid)
			writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get workflow", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, rid, http.StatusOK, map[string]any{
		"id":    wf.ID,
		"name":  wf.Name,
		"nodes": nodeList,
		"edges": edgeList,
	})
}

// HandleExecuteWorkflow runs a workflow end-to-end. Node failures come
// back as 200 with status "failed" and partial results: they are
// business-level outcomes, not server errors. Structural rejections
// (empty graph, cycle, disconnected graph) are 422 because the
// workflow definition, not the request, is at fault.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("handling workflow execution", "id", id, "requestId", rid)

	wfUUID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("invalid workflow id", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid workflow id", http.StatusBadRequest)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var body struct {
		Input map[string]any `json:"input"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			slog.Warn("failed to decode request body", "id", wfUUID, "requestId", rid, "error", err)
			writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	executedAt := time.Now().Format(time.RFC3339)

	result, err := s.engine.Execute(ctx, wfUUID, userID, body.Input)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			slog.Warn("workflow not found", "id", wfUUID, "requestId", rid)
			writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
		case errors.Is(err, ErrInvalidWorkflow):
			slog.Warn("workflow rejected", "id", wfUUID, "requestId", rid, "error", err)
			writeErrorJSON(w, "INVALID_WORKFLOW", err.Error(), http.StatusUnprocessableEntity)
		default:
			slog.Error("workflow execution failed", "id", wfUUID, "requestId", rid, "error", err)
			writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		}
		return
	}

	if result.Status == storage.StatusFailed {
		slog.Warn("workflow completed with failure",
			"id", wfUUID, "requestId", rid, "runId", result.RunID,
			"failedNode", result.FailedNode, "error", result.Error)
	}

	writeJSON(w, rid, http.StatusOK, map[string]any{
		"runId":       result.RunID,
		"status":      result.Status,
		"executedAt":  executedAt,
		"output":      result.Output,
		"nodeOutputs": result.NodeOutputs,
		"nodeOrder":   result.NodeOrder,
		"failedNode":  result.FailedNode,
		"error":       result.Error,
	})
}

// HandleListRuns returns a workflow's runs, most recent first.
func (s *Service) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]

	wfUUID, err := uuid.Parse(id)
	if err != nil {
		writeErrorJSON(w, "INVALID_ID", "invalid workflow id", http.StatusBadRequest)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	runs, err := s.storage.ListRuns(r.Context(), wfUUID, userID)
	if err != nil {
		slog.Error("failed to list runs", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []storage.WorkflowRun{}
	}

	writeJSON(w, rid, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetRun returns one run with its node executions in execution
// order.
func (s *Service) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]

	runUUID, err := uuid.Parse(id)
	if err != nil {
		writeErrorJSON(w, "INVALID_ID", "invalid run id", http.StatusBadRequest)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	run, execs, err := s.storage.GetRun(r.Context(), runUUID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorJSON(w, "NOT_FOUND", "run not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get run", "id", runUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	if execs == nil {
		execs = []storage.NodeExecution{}
	}

	writeJSON(w, rid, http.StatusOK, map[string]any{
		"run":            run,
		"nodeExecutions": execs,
	})
}

// writeJSON marshals and writes a response, logging write failures.
func writeJSON(w http.ResponseWriter, rid string, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal response", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "requestId", rid, "error", err)
	}
}

// writeErrorJSON writes a structured JSON error response with a
// machine-readable code and a human-readable message.
func writeErrorJSON(w http.ResponseWriter, errCode, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": errCode, "message": message})
}

// reqID extracts the request ID from context (set by requestIDMiddleware).
func reqID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
