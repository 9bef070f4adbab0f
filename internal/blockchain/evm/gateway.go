package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ErrTxReverted is returned when a transaction was mined with a failed
// status. The caller decides whether the step is safe to retry.
var ErrTxReverted = errors.New("transaction reverted")

// Backend is the node surface the gateway needs. *ethclient.Client
// satisfies it; tests use a fake.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxRequest describes one write to submit from the operator identity.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

type submitResult struct {
	hash common.Hash
	err  error
}

type submission struct {
	ctx   context.Context
	req   TxRequest
	reply chan submitResult
}

// Gateway submits signed transactions from the single operator identity.
// One signer can only have one transaction per nonce in flight, so every
// write from every concurrent task funnels through one FIFO submission
// loop that owns the nonce counter. Receipt waiting happens outside the
// loop so confirmation latency never blocks the next submission.
type Gateway struct {
	backend    Backend
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	logger     *zap.Logger

	receiptPollInterval time.Duration

	submissions chan *submission
	wg          sync.WaitGroup
}

// NewGateway derives the operator identity and prepares the submission
// queue. Start must be called before Submit.
func NewGateway(ctx context.Context, backend Backend, operatorPrivateKey string, logger *zap.Logger) (*Gateway, error) {
	privateKeyHex := strings.TrimPrefix(operatorPrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	from := crypto.PubkeyToAddress(*publicKey)

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	logger.Info("Gateway initialized",
		zap.String("operator_address", from.Hex()),
		zap.String("chain_id", chainID.String()))

	return &Gateway{
		backend:             backend,
		privateKey:          privateKey,
		from:                from,
		chainID:             chainID,
		logger:              logger,
		receiptPollInterval: 2 * time.Second,
		submissions:         make(chan *submission),
	}, nil
}

// From returns the operator address
func (g *Gateway) From() common.Address {
	return g.from
}

// Start launches the submission loop
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.run(ctx)
}

// Wait blocks until the submission loop has stopped
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) run(ctx context.Context) {
	defer g.wg.Done()

	var (
		nonce  uint64
		synced bool
	)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Gateway submission loop stopping")
			return
		case sub := <-g.submissions:
			if !synced {
				pending, err := g.backend.PendingNonceAt(sub.ctx, g.from)
				if err != nil {
					sub.reply <- submitResult{err: fmt.Errorf("failed to sync nonce: %w", err)}
					continue
				}
				nonce = pending
				synced = true
			}

			hash, err := g.sendOne(sub.ctx, sub.req, nonce)
			if err != nil {
				// The nonce may or may not have been consumed; resync
				// from the node before the next submission.
				synced = false
				sub.reply <- submitResult{err: err}
				continue
			}

			nonce++
			sub.reply <- submitResult{hash: hash}
		}
	}
}

func (g *Gateway) sendOne(ctx context.Context, req TxRequest, nonce uint64) (common.Hash, error) {
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	gasLimit, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.from,
		To:    &req.To,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, req.To, req.Value, gasLimit, gasPrice, req.Data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := g.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	g.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", req.To.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// Submit enqueues one write and returns its transaction hash once it has
// been accepted by the node. Submissions are processed strictly in FIFO
// order. An accepted transaction cannot be recalled; callers persist the
// hash before waiting so a crash can resolve the outcome later.
func (g *Gateway) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.Value == nil {
		req.Value = new(big.Int)
	}
	sub := &submission{
		ctx:   ctx,
		req:   req,
		reply: make(chan submitResult, 1),
	}

	select {
	case g.submissions <- sub:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}

	select {
	case result := <-sub.reply:
		return result.hash, result.err
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}

// WaitForTransaction polls until the transaction is mined, the timeout
// elapses, or the context is cancelled. A mined-but-failed transaction
// returns the receipt together with ErrTxReverted. A timeout means the
// outcome is unknown, not that nothing happened.
func (g *Gateway) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
			receipt, err := g.backend.TransactionReceipt(ctx, txHash)
			if err != nil || receipt == nil {
				// Not yet mined, keep waiting
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("transaction %s: %w", txHash.Hex(), ErrTxReverted)
			}
			return receipt, nil
		}
	}
}
