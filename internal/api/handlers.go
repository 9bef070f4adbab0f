package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/store"
)

const defaultListLimit = 100

// Handler holds dependencies for HTTP handlers
type Handler struct {
	tasks  store.TaskStore
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(tasks store.TaskStore, logger *zap.Logger) *Handler {
	return &Handler{
		tasks:  tasks,
		logger: logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Tasks ====================

// HandleListTasks handles GET /api/v1/tasks?status=FAILED&limit=50
func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	if statusParam == "" {
		respondError(w, http.StatusBadRequest, "status query parameter is required", nil)
		return
	}
	status := models.TaskStatus(statusParam)
	if !status.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", statusParam), nil)
		return
	}

	limit := defaultListLimit
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = parsed
	}

	tasks, err := h.tasks.ListTasksByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("Failed to list tasks",
			zap.String("status", statusParam),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}

	response := ListTasksResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for i := range tasks {
		response.Tasks = append(response.Tasks, toTaskResponse(&tasks[i]))
	}

	respondJSON(w, http.StatusOK, response)
}

// HandleGetTask handles GET /api/v1/tasks/{taskId}
func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Task not found", nil)
			return
		}
		h.logger.Error("Failed to get task",
			zap.String("task_id", taskID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get task", err)
		return
	}

	respondJSON(w, http.StatusOK, toTaskResponse(task))
}

// HandleRequeueTask handles POST /api/v1/tasks/{taskId}/requeue
// Resets a FAILED task to its pre-failure status so the pipeline picks
// it up again with a fresh attempt budget.
func (h *Handler) HandleRequeueTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	task, err := h.tasks.Requeue(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Task not found", nil)
		case errors.Is(err, store.ErrNotFailed):
			respondError(w, http.StatusConflict, "Task is not in FAILED status", nil)
		default:
			h.logger.Error("Failed to requeue task",
				zap.String("task_id", taskID),
				zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to requeue task", err)
		}
		return
	}

	h.logger.Info("Task requeued by operator",
		zap.String("task_id", taskID),
		zap.String("status", string(task.Status)))

	respondJSON(w, http.StatusOK, RequeueResponse{
		TaskID: task.TaskID,
		Status: task.Status,
	})
}

// ==================== Helper Functions ====================

func toTaskResponse(task *models.SettlementTask) TaskResponse {
	return TaskResponse{
		TaskID:          task.TaskID,
		StrategyAddress: task.StrategyAddress,
		Contributor:     task.Contributor,
		AmountIn:        task.AmountIn,
		Status:          task.Status,
		FailedFrom:      task.FailedFrom,
		Attempt:         task.Attempt,
		NextRetryAt:     task.NextRetryAt,
		TokensReceived:  task.TokensReceived,
		TxHashes: TxHashes{
			Swap:    task.SwapTxHash,
			Approve: task.ApproveTxHash,
			Deposit: task.DepositTxHash,
			Confirm: task.ConfirmTxHash,
		},
		Error: task.ErrorMessage,
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
