package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"crowdswap/settler/internal/blockchain/evm"
	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/store"
)

var (
	factoryAddr  = common.HexToAddress("0xfac0000000000000000000000000000000000000")
	strategyAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeChain struct {
	mu sync.Mutex

	head       uint64
	strategies []common.Address
	created    map[uint64][]evm.StrategyCreatedEvent

	bootstrapFailures int
	bootstrapCalls    int
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) AllStrategies(context.Context, common.Address) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrapCalls++
	if f.bootstrapFailures > 0 {
		f.bootstrapFailures--
		return nil, errors.New("rpc unavailable")
	}
	return f.strategies, nil
}

func (f *fakeChain) FilterStrategyCreated(_ context.Context, _ common.Address, fromBlock, toBlock uint64) ([]evm.StrategyCreatedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []evm.StrategyCreatedEvent
	for block := fromBlock; block <= toBlock; block++ {
		out = append(out, f.created[block]...)
	}
	return out, nil
}

func newTestRegistry(chain ChainReader, st store.WatchStore, out chan models.StrategyWatch) *Registry {
	return New(chain, st, Config{
		Factory:       factoryAddr,
		Confirmations: 2,
		PollInterval:  5 * time.Millisecond,
		BootstrapBase: time.Millisecond,
		BootstrapMax:  5 * time.Millisecond,
	}, out, zap.NewNop())
}

func TestAddWatchIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	out := make(chan models.StrategyWatch, 8)
	reg := newTestRegistry(&fakeChain{}, st, out)
	ctx := context.Background()

	created, err := reg.AddWatch(ctx, strategyAddr)
	if err != nil || !created {
		t.Fatalf("first AddWatch: created=%v err=%v", created, err)
	}

	created, err = reg.AddWatch(ctx, strategyAddr)
	if err != nil {
		t.Fatalf("second AddWatch: %v", err)
	}
	if created {
		t.Error("second AddWatch reported created")
	}

	if got := len(out); got != 1 {
		t.Errorf("emitted %d watches, want 1", got)
	}

	watches, err := st.ListWatches(ctx)
	if err != nil || len(watches) != 1 {
		t.Errorf("persisted %d watches (err %v), want 1", len(watches), err)
	}
}

func TestBootstrapLoadsExistingStrategies(t *testing.T) {
	chain := &fakeChain{
		strategies: []common.Address{
			strategyAddr,
			common.HexToAddress("0x2222222222222222222222222222222222222222"),
		},
	}
	st := store.NewMemoryStore()
	out := make(chan models.StrategyWatch, 8)
	reg := newTestRegistry(chain, st, out)

	if err := reg.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if got := len(out); got != 2 {
		t.Errorf("emitted %d watches, want 2", got)
	}
}

func TestBootstrapRetriesUntilSuccess(t *testing.T) {
	chain := &fakeChain{
		strategies:        []common.Address{strategyAddr},
		bootstrapFailures: 2,
	}
	st := store.NewMemoryStore()
	out := make(chan models.StrategyWatch, 8)
	reg := newTestRegistry(chain, st, out)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reg.bootstrapWithRetry(ctx)

	chain.mu.Lock()
	calls := chain.bootstrapCalls
	chain.mu.Unlock()
	if calls != 3 {
		t.Errorf("bootstrap calls = %d, want 3", calls)
	}
	if got := len(out); got != 1 {
		t.Errorf("emitted %d watches, want 1", got)
	}
}

func TestDiscoverAdvancesCursorAndEmitsNewStrategies(t *testing.T) {
	newStrategy := common.HexToAddress("0x3333333333333333333333333333333333333333")
	chain := &fakeChain{
		head: 100,
		created: map[uint64][]evm.StrategyCreatedEvent{
			50: {{Strategy: newStrategy, BlockNumber: 50}},
		},
	}
	st := store.NewMemoryStore()
	out := make(chan models.StrategyWatch, 8)
	reg := newTestRegistry(chain, st, out)
	ctx := context.Background()

	if err := reg.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	// Cursor is head minus confirmations.
	cursor, err := st.GetCursor(ctx, FactoryCursorName)
	if err != nil || cursor != 98 {
		t.Errorf("cursor = (%d, %v), want (98, nil)", cursor, err)
	}
	if got := len(out); got != 1 {
		t.Fatalf("emitted %d watches, want 1", got)
	}
	watch := <-out
	if watch.StrategyAddress != newStrategy.Hex() {
		t.Errorf("emitted %s, want %s", watch.StrategyAddress, newStrategy.Hex())
	}

	// A second pass over an unchanged chain emits nothing.
	if err := reg.discover(ctx); err != nil {
		t.Fatalf("second discover: %v", err)
	}
	if got := len(out); got != 0 {
		t.Errorf("second discover emitted %d watches, want 0", got)
	}
}

func TestRunReplaysPersistedWatches(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := st.UpsertWatch(ctx, strategyAddr.Hex()); err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	if err := st.UpdateWatchCursor(ctx, strategyAddr.Hex(), 77, 1); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	out := make(chan models.StrategyWatch, 8)
	reg := newTestRegistry(&fakeChain{head: 10}, st, out)

	go reg.Run(ctx)

	select {
	case watch := <-out:
		if watch.StrategyAddress != strategyAddr.Hex() {
			t.Errorf("replayed %s, want %s", watch.StrategyAddress, strategyAddr.Hex())
		}
		if watch.LastBlock != 77 {
			t.Errorf("replayed cursor %d, want 77", watch.LastBlock)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch replayed")
	}
}
