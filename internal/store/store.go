// Package store defines the durable persistence boundary for settlement
// tasks and strategy watches. The Postgres implementation lives in
// internal/database; MemoryStore backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"crowdswap/settler/internal/models"
)

var (
	// ErrNotFound is returned when a task or watch does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update would skip
	// a state or regress the pipeline.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFailed is returned when requeueing a task that is not FAILED.
	ErrNotFailed = errors.New("task is not failed")
)

// TaskStore persists settlement tasks. Every status mutation is guarded:
// transitions are strictly forward and FAILED is reachable only from
// non-terminal states.
type TaskStore interface {
	// CreateTask inserts a task keyed by its dedupe key. It reports
	// false when a task with the same key already exists.
	CreateTask(ctx context.Context, task *models.SettlementTask) (bool, error)
	GetTask(ctx context.Context, taskID string) (*models.SettlementTask, error)
	GetTaskByDedupeKey(ctx context.Context, dedupeKey string) (*models.SettlementTask, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]models.SettlementTask, error)
	// DueTasks returns non-terminal tasks whose next retry time has passed.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]models.SettlementTask, error)
	CountByStatus(ctx context.Context, status models.TaskStatus) (int, error)

	// RecordQuote stores a quote snapshot. From DETECTED it advances the
	// task to QUOTED with a fresh attempt counter; at QUOTED or DEPOSITED
	// it refreshes the snapshot in place (a refresh never regresses the
	// pipeline).
	RecordQuote(ctx context.Context, id int64, buyAmount, target, callData string, expiresAt time.Time) error
	// RecordPendingTx notes a submitted transaction whose receipt has not
	// been observed yet, so a restart resolves its outcome instead of
	// submitting a second one. preSwapBalance is set for swap submissions
	// only; the measured delta on recovery is taken against it.
	RecordPendingTx(ctx context.Context, id int64, kind models.PendingTxKind, txHash string, preSwapBalance *string) error
	// ClearPendingTx discards the marker once the transaction's outcome
	// is known. Advancing transitions clear it implicitly.
	ClearPendingTx(ctx context.Context, id int64) error
	// MarkSwapped records the measured balance delta and swap tx.
	MarkSwapped(ctx context.Context, id int64, tokensReceived, swapTxHash string) error
	// RecordApproval stores the mined approval transaction ahead of the
	// deposit submission; the task stays SWAPPED.
	RecordApproval(ctx context.Context, id int64, approveTxHash string) error
	MarkDeposited(ctx context.Context, id int64, depositTxHash string) error
	MarkConfirmed(ctx context.Context, id int64, confirmTxHash string) error
	// MarkFailed is terminal; the pre-failure status is retained so an
	// operator requeue resumes from where the task stopped.
	MarkFailed(ctx context.Context, id int64, reason string) error
	// RecordRetry bumps the attempt counter and schedules the next run.
	RecordRetry(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error
	// Requeue resets a FAILED task back to its pre-failure status with a
	// fresh attempt budget.
	Requeue(ctx context.Context, taskID string) (*models.SettlementTask, error)
}

// WatchStore persists the set of watched strategy contracts and their
// resume cursors.
type WatchStore interface {
	// UpsertWatch registers a strategy address, reporting false when it
	// was already tracked.
	UpsertWatch(ctx context.Context, address string) (bool, error)
	GetWatch(ctx context.Context, address string) (*models.StrategyWatch, error)
	ListWatches(ctx context.Context) ([]models.StrategyWatch, error)
	SetSettlementToken(ctx context.Context, address, token string) error
	UpdateWatchCursor(ctx context.Context, address string, lastBlock uint64, lastLogIndex int64) error

	// Named cursors track log positions outside any single watch
	// (the factory discovery stream uses one).
	GetCursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, lastBlock uint64) error
}

// Store is the full persistence surface the worker manager wires in.
type Store interface {
	TaskStore
	WatchStore
}
