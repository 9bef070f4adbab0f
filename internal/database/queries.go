package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/store"
)

const taskColumns = `
	id, task_id, dedupe_key, strategy_address, contributor, amount_in,
	status, failed_from, attempt, next_retry_at,
	quote_buy_amount, quote_target, quote_call_data, quote_expires_at,
	tokens_received, pending_tx_kind, pending_tx_hash, pre_swap_balance,
	swap_tx_hash, approve_tx_hash, deposit_tx_hash,
	confirm_tx_hash, error_message`

// ==================== Task Queries ====================

// CreateTask inserts a task; the dedupe key makes insertion idempotent
// under log replay. Reports false when the task already existed.
func (db *DB) CreateTask(ctx context.Context, task *models.SettlementTask) (bool, error) {
	query := `
		INSERT INTO settlement_tasks (
			task_id, dedupe_key, strategy_address, contributor,
			amount_in, status, attempt, next_retry_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`
	err := db.QueryRowContext(
		ctx, query,
		task.TaskID,
		task.DedupeKey,
		task.StrategyAddress,
		task.Contributor,
		task.AmountIn,
		task.Status,
		task.Attempt,
		task.NextRetryAt,
	).Scan(&task.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetTask retrieves a task by its external UUID
func (db *DB) GetTask(ctx context.Context, taskID string) (*models.SettlementTask, error) {
	var task models.SettlementTask
	query := `SELECT ` + taskColumns + ` FROM settlement_tasks WHERE task_id = $1`
	err := db.GetContext(ctx, &task, query, taskID)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskByDedupeKey retrieves a task by its dedupe key
func (db *DB) GetTaskByDedupeKey(ctx context.Context, dedupeKey string) (*models.SettlementTask, error) {
	var task models.SettlementTask
	query := `SELECT ` + taskColumns + ` FROM settlement_tasks WHERE dedupe_key = $1`
	err := db.GetContext(ctx, &task, query, dedupeKey)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasksByStatus retrieves tasks with a given status, oldest first
func (db *DB) ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]models.SettlementTask, error) {
	var tasks []models.SettlementTask
	query := `
		SELECT ` + taskColumns + `
		FROM settlement_tasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &tasks, query, status, limit)
	return tasks, err
}

// DueTasks retrieves non-terminal tasks whose next retry time has passed
func (db *DB) DueTasks(ctx context.Context, now time.Time, limit int) ([]models.SettlementTask, error) {
	var tasks []models.SettlementTask
	query := `
		SELECT ` + taskColumns + `
		FROM settlement_tasks
		WHERE status NOT IN ('CONFIRMED', 'FAILED') AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`
	err := db.SelectContext(ctx, &tasks, query, now, limit)
	return tasks, err
}

// CountByStatus counts tasks in a given status
func (db *DB) CountByStatus(ctx context.Context, status models.TaskStatus) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM settlement_tasks WHERE status = $1`
	err := db.GetContext(ctx, &count, query, status)
	return count, err
}

// RecordQuote stores a quote snapshot. It advances DETECTED to QUOTED with
// a fresh attempt counter and refreshes in place at QUOTED or DEPOSITED.
func (db *DB) RecordQuote(ctx context.Context, id int64, buyAmount, target, callData string, expiresAt time.Time) error {
	query := `
		UPDATE settlement_tasks
		SET quote_buy_amount = $1,
		    quote_target = $2,
		    quote_call_data = $3,
		    quote_expires_at = $4,
		    attempt = CASE WHEN status = 'DETECTED' THEN 0 ELSE attempt END,
		    status = CASE WHEN status = 'DETECTED' THEN 'QUOTED' ELSE status END,
		    updated_at = NOW()
		WHERE id = $5 AND status IN ('DETECTED', 'QUOTED', 'DEPOSITED')
	`
	return db.guarded(ctx, query, buyAmount, target, callData, expiresAt, id)
}

// RecordPendingTx notes a submitted-but-unresolved transaction so recovery
// can resolve its receipt instead of submitting again
func (db *DB) RecordPendingTx(ctx context.Context, id int64, kind models.PendingTxKind, txHash string, preSwapBalance *string) error {
	query := `
		UPDATE settlement_tasks
		SET pending_tx_kind = $1,
		    pending_tx_hash = $2,
		    pre_swap_balance = COALESCE($3, pre_swap_balance),
		    updated_at = NOW()
		WHERE id = $4 AND status NOT IN ('CONFIRMED', 'FAILED')
	`
	return db.guarded(ctx, query, kind, txHash, preSwapBalance, id)
}

// ClearPendingTx discards the pending marker once the transaction's outcome
// is known
func (db *DB) ClearPendingTx(ctx context.Context, id int64) error {
	query := `
		UPDATE settlement_tasks
		SET pending_tx_kind = NULL,
		    pending_tx_hash = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, id)
	return err
}

// MarkSwapped records the measured balance delta and swap transaction
func (db *DB) MarkSwapped(ctx context.Context, id int64, tokensReceived, swapTxHash string) error {
	query := `
		UPDATE settlement_tasks
		SET status = 'SWAPPED',
		    tokens_received = $1,
		    swap_tx_hash = $2,
		    pending_tx_kind = NULL,
		    pending_tx_hash = NULL,
		    attempt = 0,
		    updated_at = NOW()
		WHERE id = $3 AND status = 'QUOTED'
	`
	return db.guarded(ctx, query, tokensReceived, swapTxHash, id)
}

// RecordApproval stores the mined approval transaction ahead of the deposit
// submission; the task stays SWAPPED
func (db *DB) RecordApproval(ctx context.Context, id int64, approveTxHash string) error {
	query := `
		UPDATE settlement_tasks
		SET approve_tx_hash = $1,
		    pending_tx_kind = NULL,
		    pending_tx_hash = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = 'SWAPPED'
	`
	return db.guarded(ctx, query, approveTxHash, id)
}

// MarkDeposited records the deposit transaction
func (db *DB) MarkDeposited(ctx context.Context, id int64, depositTxHash string) error {
	query := `
		UPDATE settlement_tasks
		SET status = 'DEPOSITED',
		    deposit_tx_hash = $1,
		    pending_tx_kind = NULL,
		    pending_tx_hash = NULL,
		    attempt = 0,
		    updated_at = NOW()
		WHERE id = $2 AND status = 'SWAPPED'
	`
	return db.guarded(ctx, query, depositTxHash, id)
}

// MarkConfirmed records the confirmation transaction; the task is terminal
func (db *DB) MarkConfirmed(ctx context.Context, id int64, confirmTxHash string) error {
	query := `
		UPDATE settlement_tasks
		SET status = 'CONFIRMED',
		    confirm_tx_hash = $1,
		    pending_tx_kind = NULL,
		    pending_tx_hash = NULL,
		    attempt = 0,
		    updated_at = NOW()
		WHERE id = $2 AND status = 'DEPOSITED'
	`
	return db.guarded(ctx, query, confirmTxHash, id)
}

// MarkFailed marks a task as failed, retaining the pre-failure status so a
// requeue can resume from it
func (db *DB) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE settlement_tasks
		SET failed_from = status,
		    status = 'FAILED',
		    error_message = $1,
		    updated_at = NOW()
		WHERE id = $2 AND status NOT IN ('CONFIRMED', 'FAILED')
	`
	return db.guarded(ctx, query, reason, id)
}

// RecordRetry increments the attempt counter and schedules the next run
func (db *DB) RecordRetry(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	query := `
		UPDATE settlement_tasks
		SET attempt = attempt + 1,
		    error_message = $1,
		    next_retry_at = $2,
		    updated_at = NOW()
		WHERE id = $3 AND status NOT IN ('CONFIRMED', 'FAILED')
	`
	return db.guarded(ctx, query, errMsg, nextRetryAt, id)
}

// Requeue resets a FAILED task to its pre-failure status
func (db *DB) Requeue(ctx context.Context, taskID string) (*models.SettlementTask, error) {
	query := `
		UPDATE settlement_tasks
		SET status = failed_from,
		    failed_from = NULL,
		    attempt = 0,
		    next_retry_at = NOW(),
		    updated_at = NOW()
		WHERE task_id = $1 AND status = 'FAILED' AND failed_from IS NOT NULL
		RETURNING ` + taskColumns
	var task models.SettlementTask
	err := db.GetContext(ctx, &task, query, taskID)
	if err == sql.ErrNoRows {
		existing, getErr := db.GetTask(ctx, taskID)
		if getErr != nil {
			return nil, store.ErrNotFound
		}
		if existing.Status != models.TaskStatusFailed {
			return nil, store.ErrNotFailed
		}
		return nil, store.ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// guarded runs a status-guarded update; zero affected rows means the task
// is missing or the transition is not allowed from its current status.
func (db *DB) guarded(ctx context.Context, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task update rejected: %w", store.ErrInvalidTransition)
	}
	return nil
}

// ==================== Watch Queries ====================

// UpsertWatch registers a strategy address; reports false when already tracked
func (db *DB) UpsertWatch(ctx context.Context, address string) (bool, error) {
	query := `
		INSERT INTO strategy_watches (strategy_address)
		VALUES ($1)
		ON CONFLICT (strategy_address) DO NOTHING
		RETURNING id
	`
	var id int64
	err := db.QueryRowContext(ctx, query, address).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetWatch retrieves a watch by strategy address
func (db *DB) GetWatch(ctx context.Context, address string) (*models.StrategyWatch, error) {
	var watch models.StrategyWatch
	query := `
		SELECT id, strategy_address, settlement_token, last_block, last_log_index, active
		FROM strategy_watches
		WHERE strategy_address = $1
	`
	err := db.GetContext(ctx, &watch, query, address)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &watch, nil
}

// ListWatches retrieves all active watches
func (db *DB) ListWatches(ctx context.Context) ([]models.StrategyWatch, error) {
	var watches []models.StrategyWatch
	query := `
		SELECT id, strategy_address, settlement_token, last_block, last_log_index, active
		FROM strategy_watches
		WHERE active
		ORDER BY id ASC
	`
	err := db.SelectContext(ctx, &watches, query)
	return watches, err
}

// SetSettlementToken caches the strategy's settlement token address
func (db *DB) SetSettlementToken(ctx context.Context, address, token string) error {
	query := `
		UPDATE strategy_watches
		SET settlement_token = $1, updated_at = NOW()
		WHERE strategy_address = $2
	`
	_, err := db.ExecContext(ctx, query, token, address)
	return err
}

// UpdateWatchCursor advances the watch's resume cursor
func (db *DB) UpdateWatchCursor(ctx context.Context, address string, lastBlock uint64, lastLogIndex int64) error {
	query := `
		UPDATE strategy_watches
		SET last_block = $1, last_log_index = $2, updated_at = NOW()
		WHERE strategy_address = $3
	`
	_, err := db.ExecContext(ctx, query, lastBlock, lastLogIndex, address)
	return err
}

// ==================== Cursor Queries ====================

// GetCursor retrieves a named cursor position; missing cursors read as 0
func (db *DB) GetCursor(ctx context.Context, name string) (uint64, error) {
	var lastBlock uint64
	query := `SELECT last_block FROM cursors WHERE name = $1`
	err := db.GetContext(ctx, &lastBlock, query, name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return lastBlock, err
}

// SetCursor stores a named cursor position
func (db *DB) SetCursor(ctx context.Context, name string, lastBlock uint64) error {
	query := `
		INSERT INTO cursors (name, last_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET last_block = EXCLUDED.last_block, updated_at = NOW()
	`
	_, err := db.ExecContext(ctx, query, name, lastBlock)
	return err
}
