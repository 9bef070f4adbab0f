package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"crowdswap/settler/internal/models"
)

// MemoryStore is an in-memory Store, mostly for tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	tasks   map[int64]*models.SettlementTask
	watches map[string]*models.StrategyWatch
	cursors map[string]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:  1,
		tasks:   make(map[int64]*models.SettlementTask),
		watches: make(map[string]*models.StrategyWatch),
		cursors: make(map[string]uint64),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *models.SettlementTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.DedupeKey == task.DedupeKey {
			return false, nil
		}
	}
	task.ID = m.nextID
	m.nextID++
	clone := *task
	m.tasks[task.ID] = &clone
	return true, nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*models.SettlementTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.TaskID == taskID {
			clone := *task
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetTaskByDedupeKey(_ context.Context, dedupeKey string) (*models.SettlementTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.DedupeKey == dedupeKey {
			clone := *task
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListTasksByStatus(_ context.Context, status models.TaskStatus, limit int) ([]models.SettlementTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SettlementTask
	for _, task := range m.tasks {
		if task.Status == status {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DueTasks(_ context.Context, now time.Time, limit int) ([]models.SettlementTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SettlementTask
	for _, task := range m.tasks {
		if !task.Status.Terminal() && !task.NextRetryAt.After(now) {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status models.TaskStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, task := range m.tasks {
		if task.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RecordQuote(_ context.Context, id int64, buyAmount, target, callData string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	switch task.Status {
	case models.TaskStatusDetected:
		task.Status = models.TaskStatusQuoted
		task.Attempt = 0
	case models.TaskStatusQuoted, models.TaskStatusDeposited:
		// refresh in place
	default:
		return ErrInvalidTransition
	}
	task.QuoteBuyAmount = &buyAmount
	task.QuoteTarget = &target
	task.QuoteCallData = &callData
	expires := expiresAt
	task.QuoteExpiresAt = &expires
	return nil
}

func (m *MemoryStore) RecordPendingTx(_ context.Context, id int64, kind models.PendingTxKind, txHash string, preSwapBalance *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return ErrInvalidTransition
	}
	task.PendingTxKind = &kind
	task.PendingTxHash = &txHash
	task.PreSwapBalance = preSwapBalance
	return nil
}

func (m *MemoryStore) ClearPendingTx(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.PendingTxKind = nil
	task.PendingTxHash = nil
	return nil
}

func (m *MemoryStore) MarkSwapped(_ context.Context, id int64, tokensReceived, swapTxHash string) error {
	return m.advance(id, models.TaskStatusQuoted, func(task *models.SettlementTask) {
		task.Status = models.TaskStatusSwapped
		task.TokensReceived = &tokensReceived
		task.SwapTxHash = &swapTxHash
	})
}

func (m *MemoryStore) RecordApproval(_ context.Context, id int64, approveTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != models.TaskStatusSwapped {
		return ErrInvalidTransition
	}
	task.ApproveTxHash = &approveTxHash
	task.PendingTxKind = nil
	task.PendingTxHash = nil
	return nil
}

func (m *MemoryStore) MarkDeposited(_ context.Context, id int64, depositTxHash string) error {
	return m.advance(id, models.TaskStatusSwapped, func(task *models.SettlementTask) {
		task.Status = models.TaskStatusDeposited
		task.DepositTxHash = &depositTxHash
	})
}

func (m *MemoryStore) MarkConfirmed(_ context.Context, id int64, confirmTxHash string) error {
	return m.advance(id, models.TaskStatusDeposited, func(task *models.SettlementTask) {
		task.Status = models.TaskStatusConfirmed
		task.ConfirmTxHash = &confirmTxHash
	})
}

func (m *MemoryStore) advance(id int64, from models.TaskStatus, apply func(*models.SettlementTask)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != from {
		return ErrInvalidTransition
	}
	apply(task)
	task.Attempt = 0
	task.PendingTxKind = nil
	task.PendingTxHash = nil
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return ErrInvalidTransition
	}
	prev := string(task.Status)
	task.FailedFrom = &prev
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = &reason
	return nil
}

func (m *MemoryStore) RecordRetry(_ context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return ErrInvalidTransition
	}
	task.Attempt++
	task.ErrorMessage = &errMsg
	task.NextRetryAt = nextRetryAt
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, taskID string) (*models.SettlementTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.TaskID != taskID {
			continue
		}
		if task.Status != models.TaskStatusFailed {
			return nil, ErrNotFailed
		}
		if task.FailedFrom == nil {
			return nil, ErrInvalidTransition
		}
		task.Status = models.TaskStatus(*task.FailedFrom)
		task.FailedFrom = nil
		task.Attempt = 0
		task.NextRetryAt = time.Now()
		clone := *task
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpsertWatch(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[address]; ok {
		return false, nil
	}
	m.watches[address] = &models.StrategyWatch{
		ID:              m.nextID,
		StrategyAddress: address,
		LastLogIndex:    -1,
		Active:          true,
	}
	m.nextID++
	return true, nil
}

func (m *MemoryStore) GetWatch(_ context.Context, address string) (*models.StrategyWatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	watch, ok := m.watches[address]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *watch
	return &clone, nil
}

func (m *MemoryStore) ListWatches(_ context.Context) ([]models.StrategyWatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StrategyWatch, 0, len(m.watches))
	for _, watch := range m.watches {
		out = append(out, *watch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetSettlementToken(_ context.Context, address, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	watch, ok := m.watches[address]
	if !ok {
		return ErrNotFound
	}
	watch.SettlementToken = &token
	return nil
}

func (m *MemoryStore) UpdateWatchCursor(_ context.Context, address string, lastBlock uint64, lastLogIndex int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	watch, ok := m.watches[address]
	if !ok {
		return ErrNotFound
	}
	watch.LastBlock = lastBlock
	watch.LastLogIndex = lastLogIndex
	return nil
}

func (m *MemoryStore) GetCursor(_ context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[name], nil
}

func (m *MemoryStore) SetCursor(_ context.Context, name string, lastBlock uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = lastBlock
	return nil
}
