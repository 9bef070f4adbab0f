package worker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"crowdswap/settler/internal/blockchain/evm"
	"crowdswap/settler/internal/metrics"
	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/quote"
	"crowdswap/settler/internal/store"
)

// errPermanent marks failures no retry can fix: the task goes straight
// to FAILED for manual reconciliation.
var errPermanent = errors.New("permanent failure")

// ChainReader is the read-only chain surface the orchestrator needs.
// Reads run freely in parallel across tasks.
type ChainReader interface {
	SettlementToken(ctx context.Context, strategy common.Address) (common.Address, error)
	IsCancelled(ctx context.Context, strategy common.Address) (bool, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, address common.Address) (*big.Int, error)
}

// TxGateway is the serialized write surface. Submission and receipt
// waiting are separate calls: the hash is persisted in between, so a
// crash or timeout never loses track of an in-flight transaction.
type TxGateway interface {
	From() common.Address
	Submit(ctx context.Context, req evm.TxRequest) (common.Hash, error)
	WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// QuoteProvider requests advisory execution plans.
type QuoteProvider interface {
	GetQuote(ctx context.Context, token common.Address, amountIn *big.Int) (*quote.Quote, error)
}

// OrchestratorConfig holds retry and reconciliation tuning.
type OrchestratorConfig struct {
	SlippageBps    int
	RetryCap       int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ReceiptTimeout time.Duration
}

// Orchestrator drives each settlement task through the ordered protocol
// quote -> swap -> deposit -> confirm. Every step is idempotent with
// respect to restarts: the persisted status decides what runs next, a
// transaction hash recorded at submission lets recovery resolve an
// unknown outcome instead of submitting twice, and once tokens have been
// deposited the swap is never repeated.
type Orchestrator struct {
	tasks      store.TaskStore
	watches    store.WatchStore
	chain      ChainReader
	gateway    TxGateway
	quotes     QuoteProvider
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	cfg        OrchestratorConfig
	logger     *zap.Logger

	mu         sync.RWMutex
	tokenCache map[string]common.Address
}

// NewOrchestrator creates the settlement state machine driver.
func NewOrchestrator(
	tasks store.TaskStore,
	watches store.WatchStore,
	chain ChainReader,
	gateway TxGateway,
	quotes QuoteProvider,
	dispatcher *Dispatcher,
	m *metrics.Metrics,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		tasks:      tasks,
		watches:    watches,
		chain:      chain,
		gateway:    gateway,
		quotes:     quotes,
		dispatcher: dispatcher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		tokenCache: make(map[string]common.Address),
	}
}

// Run consumes dispatched tasks until the context is cancelled. Several
// Run loops may execute concurrently; writes still serialize inside the
// gateway.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-o.dispatcher.Ready():
			if !ok {
				return
			}
			o.HandleTask(ctx, task)
			o.dispatcher.Release(task.ID)
		}
	}
}

// HandleTask advances a task by exactly one state, based on its persisted
// status.
func (o *Orchestrator) HandleTask(ctx context.Context, task *models.SettlementTask) {
	logger := o.logger.With(
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)),
		zap.Int("attempt", task.Attempt))

	logger.Info("Handling settlement task")

	var err error
	switch task.Status {
	case models.TaskStatusDetected:
		err = o.stepQuote(ctx, task)
	case models.TaskStatusQuoted:
		err = o.stepSwap(ctx, task)
	case models.TaskStatusSwapped:
		err = o.stepDeposit(ctx, task)
	case models.TaskStatusDeposited:
		err = o.stepConfirm(ctx, task)
	default:
		logger.Warn("Unexpected task status")
		return
	}

	if err != nil {
		o.handleError(ctx, task, err)
	}
}

// stepQuote resolves the settlement token and obtains the first quote.
// No funds have moved; any failure is retryable up to the cap.
func (o *Orchestrator) stepQuote(ctx context.Context, task *models.SettlementTask) error {
	strategy := common.HexToAddress(task.StrategyAddress)

	cancelled, err := o.chain.IsCancelled(ctx, strategy)
	if err != nil {
		return fmt.Errorf("failed to check campaign state: %w", err)
	}
	if cancelled {
		return fmt.Errorf("campaign cancelled before settlement: %w", errPermanent)
	}

	if _, err := o.settlementToken(ctx, strategy); err != nil {
		return fmt.Errorf("failed to resolve settlement token: %w", err)
	}

	if err := o.refreshQuote(ctx, task); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.IncTask(string(models.TaskStatusQuoted))
	}
	return nil
}

// stepSwap executes the trade and measures actual proceeds as a balance
// delta. The swap hash is persisted before waiting for the receipt: if
// the outcome is still unknown after the timeout (or the process dies),
// the next attempt resolves that transaction instead of submitting a
// second one. Only a reverted or zero-effect swap, which moved no
// custody, retries with a fresh quote.
func (o *Orchestrator) stepSwap(ctx context.Context, task *models.SettlementTask) error {
	strategy := common.HexToAddress(task.StrategyAddress)

	token, err := o.settlementToken(ctx, strategy)
	if err != nil {
		return fmt.Errorf("failed to resolve settlement token: %w", err)
	}

	// A swap submitted by an earlier attempt may have mined while nobody
	// was watching. Its fate decides what happens next; another swap
	// against an unknown outcome would convert the contribution twice.
	if task.PendingTxHash != nil {
		return o.resolveSwap(ctx, task, token)
	}

	// The campaign may have been cancelled while the task waited; no
	// swap has been submitted yet, so abandoning is still safe.
	cancelled, err := o.chain.IsCancelled(ctx, strategy)
	if err != nil {
		return fmt.Errorf("failed to check campaign state: %w", err)
	}
	if cancelled {
		return fmt.Errorf("campaign cancelled before swap: %w", errPermanent)
	}

	amountIn, err := task.AmountInWei()
	if err != nil {
		return fmt.Errorf("%v: %w", err, errPermanent)
	}

	// The swap is funded from the operator wallet; without cover the
	// submission is certain to fail.
	operatorBalance, err := o.chain.NativeBalance(ctx, o.gateway.From())
	if err != nil {
		return fmt.Errorf("failed to read operator balance: %w", err)
	}
	if operatorBalance.Cmp(amountIn) < 0 {
		return fmt.Errorf("operator balance %s cannot cover swap amount %s",
			operatorBalance.String(), amountIn.String())
	}

	q, err := quoteSnapshot(task)
	if err != nil {
		return err
	}
	if q.Expired(time.Now()) {
		if err := o.refreshQuote(ctx, task); err != nil {
			return err
		}
		if q, err = quoteSnapshot(task); err != nil {
			return err
		}
	}

	// The pre-balance snapshot sits immediately before the swap to keep
	// the race window against other wallet activity minimal.
	preBalance, err := o.chain.TokenBalance(ctx, token, o.gateway.From())
	if err != nil {
		return fmt.Errorf("failed to snapshot pre-swap balance: %w", err)
	}

	if o.metrics != nil {
		o.metrics.IncTx("swap")
	}
	hash, err := o.gateway.Submit(ctx, evm.TxRequest{
		To:    q.Target,
		Value: amountIn,
		Data:  q.CallData,
	})
	if err != nil {
		return fmt.Errorf("swap submission failed: %w", err)
	}
	pre := preBalance.String()
	if err := o.recordPending(ctx, task, models.PendingSwap, hash, &pre); err != nil {
		return err
	}

	return o.resolveSwap(ctx, task, token)
}

// resolveSwap settles the fate of the recorded swap transaction: a revert
// re-quotes and retries, a mined swap advances with the measured delta.
func (o *Orchestrator) resolveSwap(ctx context.Context, task *models.SettlementTask, token common.Address) error {
	receipt, err := o.awaitPending(ctx, task)
	if err != nil {
		if errors.Is(err, evm.ErrTxReverted) {
			// Price moved under the quote. Nothing was traded, so a
			// fresh quote and another swap are safe.
			if o.metrics != nil {
				o.metrics.IncSwap("reverted")
			}
			if refreshErr := o.refreshQuote(ctx, task); refreshErr != nil {
				return fmt.Errorf("swap reverted and re-quote failed: %v: %w", err, refreshErr)
			}
			return fmt.Errorf("swap reverted, re-quoted for retry: %w", err)
		}
		return err
	}

	preBalance, err := preSwapBalanceWei(task)
	if err != nil {
		return err
	}
	postBalance, err := o.chain.TokenBalance(ctx, token, o.gateway.From())
	if err != nil {
		return fmt.Errorf("failed to snapshot post-swap balance: %w", err)
	}

	// tokensReceived is always the measured delta, never the quote's
	// estimate.
	tokensReceived := new(big.Int).Sub(postBalance, preBalance)
	if tokensReceived.Sign() <= 0 {
		if o.metrics != nil {
			o.metrics.IncSwap("zero_output")
		}
		if clearErr := o.clearPending(ctx, task); clearErr != nil {
			return clearErr
		}
		if refreshErr := o.refreshQuote(ctx, task); refreshErr != nil {
			return fmt.Errorf("zero-output swap and re-quote failed: %w", refreshErr)
		}
		return fmt.Errorf("swap produced no output (tx %s), re-quoted for retry", receipt.TxHash.Hex())
	}

	if err := o.tasks.MarkSwapped(ctx, task.ID, tokensReceived.String(), receipt.TxHash.Hex()); err != nil {
		return fmt.Errorf("failed to record swap: %w", err)
	}

	if o.metrics != nil {
		o.metrics.IncSwap("ok")
		o.metrics.IncTask(string(models.TaskStatusSwapped))
	}

	o.logger.Info("Swap executed",
		zap.String("task_id", task.TaskID),
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.String("tokens_received", tokensReceived.String()))

	return nil
}

// stepDeposit approves the escrow and transfers custody of the purchased
// tokens into it. Once this step has succeeded the task has crossed the
// idempotency boundary: the swap is never repeated. The approval hash is
// persisted as soon as it mines, so a retry resumes at the deposit.
func (o *Orchestrator) stepDeposit(ctx context.Context, task *models.SettlementTask) error {
	strategy := common.HexToAddress(task.StrategyAddress)

	token, err := o.settlementToken(ctx, strategy)
	if err != nil {
		return fmt.Errorf("failed to resolve settlement token: %w", err)
	}

	tokensReceived, err := tokensReceivedWei(task)
	if err != nil {
		return err
	}

	// A deposit left in flight by an earlier attempt resolves first.
	if task.PendingTxHash != nil && task.PendingTxKind != nil && *task.PendingTxKind == models.PendingDeposit {
		return o.resolveDeposit(ctx, task)
	}

	if task.ApproveTxHash == nil {
		if task.PendingTxHash == nil {
			approveData, err := evm.PackApprove(strategy, tokensReceived)
			if err != nil {
				return fmt.Errorf("%v: %w", err, errPermanent)
			}
			if o.metrics != nil {
				o.metrics.IncTx("approve")
			}
			hash, err := o.gateway.Submit(ctx, evm.TxRequest{
				To:   token,
				Data: approveData,
			})
			if err != nil {
				return fmt.Errorf("approve submission failed: %w", err)
			}
			if err := o.recordPending(ctx, task, models.PendingApprove, hash, nil); err != nil {
				return err
			}
		}
		if err := o.resolveApprove(ctx, task); err != nil {
			return err
		}
	}

	depositData, err := evm.PackReceiveTokens(tokensReceived)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errPermanent)
	}
	if o.metrics != nil {
		o.metrics.IncTx("deposit")
	}
	hash, err := o.gateway.Submit(ctx, evm.TxRequest{
		To:   strategy,
		Data: depositData,
	})
	if err != nil {
		return fmt.Errorf("deposit submission failed: %w", err)
	}
	if err := o.recordPending(ctx, task, models.PendingDeposit, hash, nil); err != nil {
		return err
	}

	return o.resolveDeposit(ctx, task)
}

func (o *Orchestrator) resolveApprove(ctx context.Context, task *models.SettlementTask) error {
	receipt, err := o.awaitPending(ctx, task)
	if err != nil {
		if errors.Is(err, evm.ErrTxReverted) {
			return fmt.Errorf("approve reverted: %w", err)
		}
		return err
	}

	approveTx := receipt.TxHash.Hex()
	if err := o.tasks.RecordApproval(ctx, task.ID, approveTx); err != nil {
		return fmt.Errorf("failed to record approval: %w", err)
	}
	task.ApproveTxHash = &approveTx
	task.PendingTxKind = nil
	task.PendingTxHash = nil

	return nil
}

func (o *Orchestrator) resolveDeposit(ctx context.Context, task *models.SettlementTask) error {
	receipt, err := o.awaitPending(ctx, task)
	if err != nil {
		if errors.Is(err, evm.ErrTxReverted) {
			return fmt.Errorf("deposit reverted: %w", err)
		}
		return err
	}

	if err := o.tasks.MarkDeposited(ctx, task.ID, receipt.TxHash.Hex()); err != nil {
		return fmt.Errorf("failed to record deposit: %w", err)
	}

	if o.metrics != nil {
		o.metrics.IncTask(string(models.TaskStatusDeposited))
	}

	o.logger.Info("Tokens deposited into escrow",
		zap.String("task_id", task.TaskID),
		zap.String("deposit_tx", receipt.TxHash.Hex()))

	return nil
}

// stepConfirm asks the escrow to accept the settlement. The contract's
// own tolerance check is the authoritative gate; the local comparison
// only avoids submitting a transaction that is certain to revert.
func (o *Orchestrator) stepConfirm(ctx context.Context, task *models.SettlementTask) error {
	strategy := common.HexToAddress(task.StrategyAddress)
	contributor := common.HexToAddress(task.Contributor)

	amountIn, err := task.AmountInWei()
	if err != nil {
		return fmt.Errorf("%v: %w", err, errPermanent)
	}
	tokensReceived, err := tokensReceivedWei(task)
	if err != nil {
		return err
	}

	// A confirm submitted earlier may already have settled the escrow;
	// resolve it before judging anything against a newer quote.
	if task.PendingTxHash != nil {
		return o.resolveConfirm(ctx, task, strategy, contributor, amountIn, tokensReceived)
	}

	q, err := quoteSnapshot(task)
	if err != nil {
		return err
	}
	minExpected := minExpectedOutput(q.BuyAmount, o.cfg.SlippageBps)

	if tokensReceived.Cmp(minExpected) < 0 {
		// Certain to trip the contract's check. Re-quote so the next
		// attempt confirms against a current market estimate; the held
		// tokens are never re-swapped.
		if refreshErr := o.refreshQuote(ctx, task); refreshErr != nil {
			return fmt.Errorf("proceeds below tolerance and re-quote failed: %w", refreshErr)
		}
		return fmt.Errorf("proceeds %s below tolerance %s, re-quoted for retry",
			tokensReceived.String(), minExpected.String())
	}

	confirmData, err := evm.PackConfirmSwap(contributor, amountIn, tokensReceived, minExpected)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errPermanent)
	}
	if o.metrics != nil {
		o.metrics.IncTx("confirm")
	}
	hash, err := o.gateway.Submit(ctx, evm.TxRequest{
		To:   strategy,
		Data: confirmData,
	})
	if err != nil {
		return fmt.Errorf("confirm submission failed: %w", err)
	}
	if err := o.recordPending(ctx, task, models.PendingConfirm, hash, nil); err != nil {
		return err
	}

	return o.resolveConfirm(ctx, task, strategy, contributor, amountIn, tokensReceived)
}

func (o *Orchestrator) resolveConfirm(ctx context.Context, task *models.SettlementTask, strategy, contributor common.Address, amountIn, tokensReceived *big.Int) error {
	receipt, err := o.awaitPending(ctx, task)
	if err != nil {
		if errors.Is(err, evm.ErrTxReverted) {
			if refreshErr := o.refreshQuote(ctx, task); refreshErr != nil {
				return fmt.Errorf("confirm reverted and re-quote failed: %v: %w", err, refreshErr)
			}
			return fmt.Errorf("confirm reverted, re-quoted for retry: %w", err)
		}
		return err
	}

	// CONFIRMED requires the escrow's acceptance event naming this
	// task's contributor and amount.
	event, err := evm.ParseSwapConfirmed(receipt, strategy)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errPermanent)
	}
	if event == nil {
		return fmt.Errorf("confirm receipt %s carries no acceptance event: %w",
			receipt.TxHash.Hex(), errPermanent)
	}
	if event.Contributor != contributor || event.AmountIn.Cmp(amountIn) != 0 {
		return fmt.Errorf("acceptance event mismatch (contributor %s amount %s): %w",
			event.Contributor.Hex(), event.AmountIn.String(), errPermanent)
	}

	if err := o.tasks.MarkConfirmed(ctx, task.ID, receipt.TxHash.Hex()); err != nil {
		return fmt.Errorf("failed to record confirmation: %w", err)
	}

	if o.metrics != nil {
		o.metrics.IncTask(string(models.TaskStatusConfirmed))
	}

	o.logger.Info("Settlement confirmed",
		zap.String("task_id", task.TaskID),
		zap.String("confirm_tx", receipt.TxHash.Hex()),
		zap.String("tokens_received", tokensReceived.String()))

	return nil
}

// awaitPending waits for the outcome of the task's recorded transaction.
// A revert clears the marker so the step can submit again; an unknown
// outcome keeps it so no second transaction ever goes out.
func (o *Orchestrator) awaitPending(ctx context.Context, task *models.SettlementTask) (*types.Receipt, error) {
	hash := common.HexToHash(*task.PendingTxHash)
	receipt, err := o.gateway.WaitForTransaction(ctx, hash, o.cfg.ReceiptTimeout)
	if err != nil {
		if errors.Is(err, evm.ErrTxReverted) {
			if clearErr := o.clearPending(ctx, task); clearErr != nil {
				return nil, clearErr
			}
			return receipt, err
		}
		return nil, fmt.Errorf("outcome of tx %s still unknown: %w", hash.Hex(), err)
	}
	return receipt, nil
}

func (o *Orchestrator) recordPending(ctx context.Context, task *models.SettlementTask, kind models.PendingTxKind, hash common.Hash, preSwapBalance *string) error {
	txHash := hash.Hex()
	if err := o.tasks.RecordPendingTx(ctx, task.ID, kind, txHash, preSwapBalance); err != nil {
		return fmt.Errorf("failed to record pending tx: %w", err)
	}
	task.PendingTxKind = &kind
	task.PendingTxHash = &txHash
	if preSwapBalance != nil {
		task.PreSwapBalance = preSwapBalance
	}
	return nil
}

func (o *Orchestrator) clearPending(ctx context.Context, task *models.SettlementTask) error {
	if err := o.tasks.ClearPendingTx(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to clear pending tx: %w", err)
	}
	task.PendingTxKind = nil
	task.PendingTxHash = nil
	return nil
}

// handleError maps a step failure to retry-or-escalate. Exhausting the
// budget never discards a task: it escalates to FAILED for operator
// attention.
func (o *Orchestrator) handleError(ctx context.Context, task *models.SettlementTask, stepErr error) {
	logger := o.logger.With(
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)),
		zap.Int("attempt", task.Attempt))

	if errors.Is(stepErr, errPermanent) {
		logger.Error("Permanent failure, flagging for manual reconciliation", zap.Error(stepErr))
		o.markFailed(ctx, task, stepErr.Error())
		return
	}

	if task.Attempt >= o.cfg.RetryCap-1 {
		logger.Error("Retry budget exhausted, flagging for manual reconciliation", zap.Error(stepErr))
		o.markFailed(ctx, task, fmt.Sprintf("retry budget exhausted: %v", stepErr))
		return
	}

	delay := o.backoff(task.Attempt)
	if err := o.tasks.RecordRetry(ctx, task.ID, stepErr.Error(), time.Now().Add(delay)); err != nil {
		logger.Error("Failed to record retry", zap.Error(err))
		return
	}

	logger.Warn("Step failed, scheduled for retry",
		zap.Duration("backoff_delay", delay),
		zap.Error(stepErr))
}

func (o *Orchestrator) markFailed(ctx context.Context, task *models.SettlementTask, reason string) {
	if err := o.tasks.MarkFailed(ctx, task.ID, reason); err != nil {
		o.logger.Error("Failed to mark task as failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.IncTask(string(models.TaskStatusFailed))
	}
}

// backoff grows exponentially with the attempt count, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.BackoffBase << uint(attempt)
	if delay <= 0 || delay > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return delay
}

// refreshQuote obtains a fresh quote for the task's amount and persists
// the snapshot. Read-only with respect to funds.
func (o *Orchestrator) refreshQuote(ctx context.Context, task *models.SettlementTask) error {
	strategy := common.HexToAddress(task.StrategyAddress)

	token, err := o.settlementToken(ctx, strategy)
	if err != nil {
		return fmt.Errorf("failed to resolve settlement token: %w", err)
	}
	amountIn, err := task.AmountInWei()
	if err != nil {
		return fmt.Errorf("%v: %w", err, errPermanent)
	}

	q, err := o.quotes.GetQuote(ctx, token, amountIn)
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncQuote("error")
		}
		return fmt.Errorf("quote request failed: %w", err)
	}
	if o.metrics != nil {
		o.metrics.IncQuote("ok")
	}

	callData := hexutil.Encode(q.CallData)
	if err := o.tasks.RecordQuote(ctx, task.ID, q.BuyAmount.String(), q.Target.Hex(), callData, q.ExpiresAt); err != nil {
		return fmt.Errorf("failed to record quote: %w", err)
	}

	// Keep the in-memory task in step with the store so the current
	// attempt uses the fresh snapshot.
	buyAmount := q.BuyAmount.String()
	target := q.Target.Hex()
	expiresAt := q.ExpiresAt
	task.QuoteBuyAmount = &buyAmount
	task.QuoteTarget = &target
	task.QuoteCallData = &callData
	task.QuoteExpiresAt = &expiresAt

	return nil
}

// settlementToken resolves and caches the escrow's configured token.
func (o *Orchestrator) settlementToken(ctx context.Context, strategy common.Address) (common.Address, error) {
	key := strategy.Hex()

	o.mu.RLock()
	token, ok := o.tokenCache[key]
	o.mu.RUnlock()
	if ok {
		return token, nil
	}

	if watch, err := o.watches.GetWatch(ctx, key); err == nil && watch.SettlementToken != nil {
		token = common.HexToAddress(*watch.SettlementToken)
		o.mu.Lock()
		o.tokenCache[key] = token
		o.mu.Unlock()
		return token, nil
	}

	token, err := o.chain.SettlementToken(ctx, strategy)
	if err != nil {
		return common.Address{}, err
	}

	if err := o.watches.SetSettlementToken(ctx, key, token.Hex()); err != nil {
		o.logger.Warn("Failed to cache settlement token",
			zap.String("strategy", key),
			zap.Error(err))
	}

	o.mu.Lock()
	o.tokenCache[key] = token
	o.mu.Unlock()

	return token, nil
}

// ==================== snapshot helpers ====================

// quoteSnapshot rebuilds the persisted quote for execution.
func quoteSnapshot(task *models.SettlementTask) (*quote.Quote, error) {
	if task.QuoteTarget == nil || task.QuoteCallData == nil || task.QuoteBuyAmount == nil || task.QuoteExpiresAt == nil {
		return nil, fmt.Errorf("task %s missing quote snapshot: %w", task.TaskID, errPermanent)
	}
	buyAmount, ok := new(big.Int).SetString(*task.QuoteBuyAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid quote buy amount %q: %w", *task.QuoteBuyAmount, errPermanent)
	}
	return &quote.Quote{
		BuyAmount: buyAmount,
		Target:    common.HexToAddress(*task.QuoteTarget),
		CallData:  common.FromHex(*task.QuoteCallData),
		ExpiresAt: *task.QuoteExpiresAt,
	}, nil
}

func preSwapBalanceWei(task *models.SettlementTask) (*big.Int, error) {
	if task.PreSwapBalance == nil {
		return nil, fmt.Errorf("task %s has no pre-swap balance snapshot: %w", task.TaskID, errPermanent)
	}
	balance, ok := new(big.Int).SetString(*task.PreSwapBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid pre_swap_balance %q: %w", *task.PreSwapBalance, errPermanent)
	}
	return balance, nil
}

func tokensReceivedWei(task *models.SettlementTask) (*big.Int, error) {
	if task.TokensReceived == nil {
		return nil, fmt.Errorf("task %s has no recorded proceeds: %w", task.TaskID, errPermanent)
	}
	tokens, ok := new(big.Int).SetString(*task.TokensReceived, 10)
	if !ok {
		return nil, fmt.Errorf("invalid tokens_received %q: %w", *task.TokensReceived, errPermanent)
	}
	return tokens, nil
}

// minExpectedOutput applies the slippage tolerance to the quote estimate.
func minExpectedOutput(buyAmount *big.Int, slippageBps int) *big.Int {
	keep := big.NewInt(int64(10000 - slippageBps))
	out := new(big.Int).Mul(buyAmount, keep)
	return out.Div(out, big.NewInt(10000))
}
