package quote

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	testToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTaker = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newTestClient(serverURL string) *Client {
	return NewClient(Config{
		BaseURL:   serverURL,
		SellToken: "ETH",
		Taker:     testTaker,
		Timeout:   time.Second,
		TTL:       30 * time.Second,
	}, zap.NewNop())
}

func TestGetQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swap/v1/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query := r.URL.Query()
		if got := query.Get("sellToken"); got != "ETH" {
			t.Errorf("sellToken = %q, want ETH", got)
		}
		if got := query.Get("buyToken"); got != testToken.Hex() {
			t.Errorf("buyToken = %q, want %s", got, testToken.Hex())
		}
		if got := query.Get("sellAmount"); got != "1000000000000000000" {
			t.Errorf("sellAmount = %q", got)
		}
		if got := query.Get("takerAddress"); got != testTaker.Hex() {
			t.Errorf("takerAddress = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"buyAmount": "2500000000",
			"to": "0x3333333333333333333333333333333333333333",
			"data": "0xdeadbeef"
		}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	before := time.Now()
	q, err := client.GetQuote(context.Background(), testToken, big.NewInt(1e18))
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}

	if q.BuyAmount.String() != "2500000000" {
		t.Errorf("buy amount = %s, want 2500000000", q.BuyAmount)
	}
	if q.Target != common.HexToAddress("0x3333333333333333333333333333333333333333") {
		t.Errorf("target = %s", q.Target.Hex())
	}
	if len(q.CallData) != 4 {
		t.Errorf("call data length = %d, want 4", len(q.CallData))
	}
	if q.ExpiresAt.Before(before.Add(29 * time.Second)) {
		t.Errorf("expiry %s too early", q.ExpiresAt)
	}
	if q.Expired(time.Now()) {
		t.Error("fresh quote reports expired")
	}
	if !q.Expired(time.Now().Add(time.Minute)) {
		t.Error("quote past TTL reports fresh")
	}
}

func TestGetQuoteErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "slow down", http.StatusTooManyRequests)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{not json`))
			},
		},
		{
			name: "non-numeric buy amount",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"buyAmount":"abc","to":"0x3333333333333333333333333333333333333333","data":"0x01"}`))
			},
		},
		{
			name: "invalid target address",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"buyAmount":"100","to":"not-an-address","data":"0x01"}`))
			},
		},
		{
			name: "empty call data",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"buyAmount":"100","to":"0x3333333333333333333333333333333333333333","data":"0x"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newTestClient(server.URL)
			_, err := client.GetQuote(context.Background(), testToken, big.NewInt(1e18))
			if !errors.Is(err, ErrQuoteUnavailable) {
				t.Errorf("want ErrQuoteUnavailable, got %v", err)
			}
		})
	}
}

func TestGetQuoteTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client := newTestClient(server.URL)
	_, err := client.GetQuote(context.Background(), testToken, big.NewInt(1e18))
	if !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("want ErrQuoteUnavailable, got %v", err)
	}
}
