// Package quote requests advisory execution plans from the external
// exchange aggregator. Every field of a quote is a planning aid only;
// actual proceeds are always measured on-chain.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrQuoteUnavailable is returned on network errors and non-success
// responses from the quote API. The orchestrator owns the retry policy;
// no retries happen here.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Quote is an advisory execution plan. It is never trusted as proof of
// an execution result.
type Quote struct {
	BuyAmount *big.Int
	Target    common.Address
	CallData  []byte
	ExpiresAt time.Time
}

// Expired reports whether the quote has aged past its validity window.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Client queries the exchange aggregator's swap quote endpoint.
type Client struct {
	baseURL    string
	sellToken  string
	taker      common.Address
	ttl        time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds quote client options.
type Config struct {
	BaseURL   string
	SellToken string
	Taker     common.Address
	Timeout   time.Duration
	TTL       time.Duration
}

// NewClient creates a quote client with a bounded request timeout.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		sellToken:  cfg.SellToken,
		taker:      cfg.Taker,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// quoteResponse matches the aggregator's wire format. Amounts arrive as
// decimal strings, call data as 0x-prefixed hex.
type quoteResponse struct {
	BuyAmount string `json:"buyAmount"`
	To        string `json:"to"`
	Data      string `json:"data"`
}

// GetQuote requests an execution plan for selling amountIn of native
// currency into the given token.
func (c *Client) GetQuote(ctx context.Context, token common.Address, amountIn *big.Int) (*Quote, error) {
	params := url.Values{}
	params.Set("sellToken", c.sellToken)
	params.Set("buyToken", token.Hex())
	params.Set("sellAmount", amountIn.String())
	params.Set("takerAddress", c.taker.Hex())

	endpoint := fmt.Sprintf("%s/swap/v1/quote?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("quote API returned %d: %w", resp.StatusCode, ErrQuoteUnavailable)
	}

	var decoded quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode quote response: %w: %v", ErrQuoteUnavailable, err)
	}

	buyAmount, ok := new(big.Int).SetString(decoded.BuyAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid buyAmount %q: %w", decoded.BuyAmount, ErrQuoteUnavailable)
	}
	if !common.IsHexAddress(decoded.To) {
		return nil, fmt.Errorf("invalid target %q: %w", decoded.To, ErrQuoteUnavailable)
	}
	callData := common.FromHex(decoded.Data)
	if len(callData) == 0 {
		return nil, fmt.Errorf("empty call data: %w", ErrQuoteUnavailable)
	}

	q := &Quote{
		BuyAmount: buyAmount,
		Target:    common.HexToAddress(decoded.To),
		CallData:  callData,
		ExpiresAt: time.Now().Add(c.ttl),
	}

	c.logger.Debug("Quote obtained",
		zap.String("buy_token", token.Hex()),
		zap.String("sell_amount", amountIn.String()),
		zap.String("buy_amount", buyAmount.String()),
		zap.String("target", q.Target.Hex()))

	return q, nil
}
