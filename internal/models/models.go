package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TaskStatus represents the state of a settlement task
type TaskStatus string

const (
	TaskStatusDetected  TaskStatus = "DETECTED"
	TaskStatusQuoted    TaskStatus = "QUOTED"
	TaskStatusSwapped   TaskStatus = "SWAPPED"
	TaskStatusDeposited TaskStatus = "DEPOSITED"
	TaskStatusConfirmed TaskStatus = "CONFIRMED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// statusRank orders the forward-only pipeline. FAILED sits outside the
// ordering and is reachable from any non-terminal state.
var statusRank = map[TaskStatus]int{
	TaskStatusDetected:  0,
	TaskStatusQuoted:    1,
	TaskStatusSwapped:   2,
	TaskStatusDeposited: 3,
	TaskStatusConfirmed: 4,
}

// Terminal reports whether no further pipeline work happens in this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusConfirmed || s == TaskStatusFailed
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == TaskStatusFailed
}

// CanAdvanceTo reports whether a transition from s to next is allowed.
// Transitions never skip a state and never regress.
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TaskStatusFailed {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	n, ok := statusRank[next]
	if !ok {
		return false
	}
	return n == cur+1
}

// PendingTxKind identifies which step submitted an in-flight transaction.
type PendingTxKind string

const (
	PendingSwap    PendingTxKind = "swap"
	PendingApprove PendingTxKind = "approve"
	PendingDeposit PendingTxKind = "deposit"
	PendingConfirm PendingTxKind = "confirm"
)

// SettlementTask represents one contribution awaiting conversion.
// Amounts are decimal wei strings; big.Int does not survive a DB round
// trip directly.
type SettlementTask struct {
	ID              int64      `db:"id"`
	TaskID          string     `db:"task_id"`
	DedupeKey       string     `db:"dedupe_key"`
	StrategyAddress string     `db:"strategy_address"`
	Contributor     string     `db:"contributor"`
	AmountIn        string     `db:"amount_in"`
	Status          TaskStatus `db:"status"`
	FailedFrom      *string    `db:"failed_from"`
	Attempt         int        `db:"attempt"`
	NextRetryAt     time.Time  `db:"next_retry_at"`

	QuoteBuyAmount *string    `db:"quote_buy_amount"`
	QuoteTarget    *string    `db:"quote_target"`
	QuoteCallData  *string    `db:"quote_call_data"`
	QuoteExpiresAt *time.Time `db:"quote_expires_at"`

	TokensReceived *string `db:"tokens_received"`

	// A submitted transaction whose receipt has not been observed yet.
	// Recovery resolves it from the chain instead of submitting again.
	PendingTxKind  *PendingTxKind `db:"pending_tx_kind"`
	PendingTxHash  *string        `db:"pending_tx_hash"`
	PreSwapBalance *string        `db:"pre_swap_balance"`

	SwapTxHash    *string `db:"swap_tx_hash"`
	ApproveTxHash *string `db:"approve_tx_hash"`
	DepositTxHash *string `db:"deposit_tx_hash"`
	ConfirmTxHash *string `db:"confirm_tx_hash"`

	ErrorMessage *string `db:"error_message"`
}

// AmountInWei parses the immutable contribution amount.
func (t *SettlementTask) AmountInWei() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(t.AmountIn, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_in %q for task %s", t.AmountIn, t.TaskID)
	}
	return amount, nil
}

// StrategyWatch is one escrow contract under observation. The cursor
// (LastBlock, LastLogIndex) points at the last processed contribution log.
type StrategyWatch struct {
	ID              int64   `db:"id"`
	StrategyAddress string  `db:"strategy_address"`
	SettlementToken *string `db:"settlement_token"`
	LastBlock       uint64  `db:"last_block"`
	LastLogIndex    int64   `db:"last_log_index"`
	Active          bool    `db:"active"`
}

// DedupeKey derives the stable identity of a contribution from its
// source-log position. The same log observed twice (reconnect, reorg
// replay) yields the same key.
func DedupeKey(strategy, contributor common.Address, txHash common.Hash, logIndex uint) string {
	var index [8]byte
	for i := 0; i < 8; i++ {
		index[7-i] = byte(logIndex >> (8 * i))
	}
	return crypto.Keccak256Hash(
		strategy.Bytes(),
		contributor.Bytes(),
		txHash.Bytes(),
		index[:],
	).Hex()
}
