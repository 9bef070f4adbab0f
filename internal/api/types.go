package api

import (
	"time"

	"crowdswap/settler/internal/models"
)

// ==================== Tasks ====================

// TxHashes holds the transaction hashes a task has accumulated.
type TxHashes struct {
	Swap    *string `json:"swap"`
	Approve *string `json:"approve"`
	Deposit *string `json:"deposit"`
	Confirm *string `json:"confirm"`
}

// TaskResponse is the external view of a settlement task.
type TaskResponse struct {
	TaskID          string            `json:"task_id"`
	StrategyAddress string            `json:"strategy_address"`
	Contributor     string            `json:"contributor"`
	AmountIn        string            `json:"amount_in"`
	Status          models.TaskStatus `json:"status"`
	FailedFrom      *string           `json:"failed_from,omitempty"`
	Attempt         int               `json:"attempt"`
	NextRetryAt     time.Time         `json:"next_retry_at"`
	TokensReceived  *string           `json:"tokens_received,omitempty"`
	TxHashes        TxHashes          `json:"tx_hashes"`
	Error           *string           `json:"error,omitempty"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// RequeueResponse reports the task state after an operator requeue.
type RequeueResponse struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
