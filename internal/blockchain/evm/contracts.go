package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ABI fragments for the contracts this service consumes. Only the events
// and functions the settler touches are declared.

const escrowABIJSON = `[
	{"type":"event","name":"ContributionPending","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"address","name":"contributor","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}]},
	{"type":"event","name":"SwapConfirmed","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"address","name":"contributor","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"tokensReceived","type":"uint256"}]},
	{"type":"function","name":"token","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"address","name":"","type":"address"}]},
	{"type":"function","name":"cancelled","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"bool","name":"","type":"bool"}]},
	{"type":"function","name":"receiveTokens","stateMutability":"nonpayable",
		"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"confirmSwap","stateMutability":"nonpayable","inputs":[
		{"internalType":"address","name":"contributor","type":"address"},
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"uint256","name":"tokensReceived","type":"uint256"},
		{"internalType":"uint256","name":"minExpected","type":"uint256"}],"outputs":[]}
]`

const factoryABIJSON = `[
	{"type":"event","name":"StrategyCreated","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"address","name":"strategy","type":"address"},
		{"indexed":true,"internalType":"address","name":"creator","type":"address"}]},
	{"type":"function","name":"getAllStrategies","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"address[]","name":"","type":"address[]"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"internalType":"address","name":"spender","type":"address"},
		{"internalType":"uint256","name":"amount","type":"uint256"}],
		"outputs":[{"internalType":"bool","name":"","type":"bool"}]}
]`

var (
	escrowABI  = mustParseABI(escrowABIJSON)
	factoryABI = mustParseABI(factoryABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)

	contributionPendingTopic = escrowABI.Events["ContributionPending"].ID
	swapConfirmedTopic       = escrowABI.Events["SwapConfirmed"].ID
	strategyCreatedTopic     = factoryABI.Events["StrategyCreated"].ID
)

func mustParseABI(abiJSON string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// ContributionEvent is a decoded ContributionPending log together with
// its source-log position.
type ContributionEvent struct {
	Strategy    common.Address
	Contributor common.Address
	Amount      *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// StrategyCreatedEvent is a decoded factory StrategyCreated log.
type StrategyCreatedEvent struct {
	Strategy    common.Address
	BlockNumber uint64
}

// SwapConfirmedEvent is the escrow's on-chain acceptance record.
type SwapConfirmedEvent struct {
	Contributor    common.Address
	AmountIn       *big.Int
	TokensReceived *big.Int
}

// PackApprove encodes ERC20 approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackReceiveTokens encodes the escrow's token-receive entry point.
func PackReceiveTokens(amount *big.Int) ([]byte, error) {
	return escrowABI.Pack("receiveTokens", amount)
}

// PackConfirmSwap encodes the escrow's confirmation entry point.
func PackConfirmSwap(contributor common.Address, amountIn, tokensReceived, minExpected *big.Int) ([]byte, error) {
	return escrowABI.Pack("confirmSwap", contributor, amountIn, tokensReceived, minExpected)
}

func parseContributionLog(log types.Log) (ContributionEvent, error) {
	if len(log.Topics) < 2 || log.Topics[0] != contributionPendingTopic {
		return ContributionEvent{}, fmt.Errorf("log is not ContributionPending")
	}
	var decoded struct {
		Amount *big.Int
	}
	if err := escrowABI.UnpackIntoInterface(&decoded, "ContributionPending", log.Data); err != nil {
		return ContributionEvent{}, fmt.Errorf("decode ContributionPending: %w", err)
	}
	return ContributionEvent{
		Strategy:    log.Address,
		Contributor: common.BytesToAddress(log.Topics[1].Bytes()),
		Amount:      decoded.Amount,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}, nil
}

func parseStrategyCreatedLog(log types.Log) (StrategyCreatedEvent, error) {
	if len(log.Topics) < 2 || log.Topics[0] != strategyCreatedTopic {
		return StrategyCreatedEvent{}, fmt.Errorf("log is not StrategyCreated")
	}
	return StrategyCreatedEvent{
		Strategy:    common.BytesToAddress(log.Topics[1].Bytes()),
		BlockNumber: log.BlockNumber,
	}, nil
}

// ParseSwapConfirmed scans a receipt for the escrow's SwapConfirmed event.
// Returns nil when the receipt carries no such event from that escrow.
func ParseSwapConfirmed(receipt *types.Receipt, escrow common.Address) (*SwapConfirmedEvent, error) {
	for _, log := range receipt.Logs {
		if log.Address != escrow || len(log.Topics) < 2 || log.Topics[0] != swapConfirmedTopic {
			continue
		}
		var decoded struct {
			AmountIn       *big.Int
			TokensReceived *big.Int
		}
		if err := escrowABI.UnpackIntoInterface(&decoded, "SwapConfirmed", log.Data); err != nil {
			return nil, fmt.Errorf("decode SwapConfirmed: %w", err)
		}
		return &SwapConfirmedEvent{
			Contributor:    common.BytesToAddress(log.Topics[1].Bytes()),
			AmountIn:       decoded.AmountIn,
			TokensReceived: decoded.TokensReceived,
		}, nil
	}
	return nil, nil
}
