package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client wraps read-only access to the chain. Reads are never serialized;
// any number of tasks may query balances and contract views in parallel.
type Client struct {
	ethClient *ethclient.Client
	logger    *zap.Logger
}

// Dial connects to an RPC endpoint.
func Dial(rpcEndpoint string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(rpcEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", rpcEndpoint, err)
	}

	return &Client{
		ethClient: ethClient,
		logger:    logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// Raw exposes the underlying client for components that need the full
// node surface (the gateway's transaction backend).
func (c *Client) Raw() *ethclient.Client {
	return c.ethClient
}

// BlockNumber returns the current head block
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// TokenBalance returns the ERC20 balance of holder
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	// ERC20 balanceOf(address) selector: 0x70a08231
	data := append(
		common.Hex2Bytes("70a08231"),
		common.LeftPadBytes(holder.Bytes(), 32)...,
	)

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	if len(result) < 32 {
		return nil, fmt.Errorf("invalid balance response length: %d", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// NativeBalance returns the native currency balance of an address
func (c *Client) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, address, nil)
}

// SettlementToken reads the escrow contract's configured settlement token
func (c *Client) SettlementToken(ctx context.Context, strategy common.Address) (common.Address, error) {
	data, err := escrowABI.Pack("token")
	if err != nil {
		return common.Address{}, fmt.Errorf("pack token(): %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &strategy,
		Data: data,
	}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to call token(): %w", err)
	}
	if len(result) < 32 {
		return common.Address{}, fmt.Errorf("invalid token() response length: %d", len(result))
	}

	return common.BytesToAddress(result[12:32]), nil
}

// IsCancelled reads whether the campaign has left the eligible state
func (c *Client) IsCancelled(ctx context.Context, strategy common.Address) (bool, error) {
	data, err := escrowABI.Pack("cancelled")
	if err != nil {
		return false, fmt.Errorf("pack cancelled(): %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &strategy,
		Data: data,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to call cancelled(): %w", err)
	}
	if len(result) < 32 {
		return false, fmt.Errorf("invalid cancelled() response length: %d", len(result))
	}

	return result[31] != 0, nil
}

// AllStrategies loads the factory's full set of escrow addresses
func (c *Client) AllStrategies(ctx context.Context, factory common.Address) ([]common.Address, error) {
	data, err := factoryABI.Pack("getAllStrategies")
	if err != nil {
		return nil, fmt.Errorf("pack getAllStrategies(): %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &factory,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getAllStrategies(): %w", err)
	}

	values, err := factoryABI.Unpack("getAllStrategies", result)
	if err != nil {
		return nil, fmt.Errorf("decode getAllStrategies(): %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected getAllStrategies() result arity: %d", len(values))
	}
	addresses, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected getAllStrategies() result type %T", values[0])
	}

	return addresses, nil
}

// FilterContributionPending fetches ContributionPending logs for one
// escrow contract over an inclusive block range.
func (c *Client) FilterContributionPending(ctx context.Context, strategy common.Address, fromBlock, toBlock uint64) ([]ContributionEvent, error) {
	logs, err := c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{strategy},
		Topics:    [][]common.Hash{{contributionPendingTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter ContributionPending logs: %w", err)
	}

	events := make([]ContributionEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		event, err := parseContributionLog(log)
		if err != nil {
			c.logger.Warn("Skipping undecodable contribution log",
				zap.String("strategy", strategy.Hex()),
				zap.Uint64("block", log.BlockNumber),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// FilterStrategyCreated fetches factory StrategyCreated logs over an
// inclusive block range.
func (c *Client) FilterStrategyCreated(ctx context.Context, factory common.Address, fromBlock, toBlock uint64) ([]StrategyCreatedEvent, error) {
	logs, err := c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{factory},
		Topics:    [][]common.Hash{{strategyCreatedTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter StrategyCreated logs: %w", err)
	}

	events := make([]StrategyCreatedEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		event, err := parseStrategyCreatedLog(log)
		if err != nil {
			c.logger.Warn("Skipping undecodable factory log",
				zap.Uint64("block", log.BlockNumber),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}

	return events, nil
}
