package subscriber

import (
	"context"
	"math/big"
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
	strategyAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	contributorAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeLogSource struct {
	mu     sync.Mutex
	head   uint64
	events map[uint64][]evm.ContributionEvent
}

func (f *fakeLogSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLogSource) FilterContributionPending(_ context.Context, strategy common.Address, fromBlock, toBlock uint64) ([]evm.ContributionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []evm.ContributionEvent
	for block := fromBlock; block <= toBlock; block++ {
		for _, event := range f.events[block] {
			if event.Strategy == strategy {
				out = append(out, event)
			}
		}
	}
	return out, nil
}

func contribution(block uint64, logIndex uint, amount int64, txHash string) evm.ContributionEvent {
	return evm.ContributionEvent{
		Strategy:    strategyAddr,
		Contributor: contributorAddr,
		Amount:      big.NewInt(amount),
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		LogIndex:    logIndex,
	}
}

func newTestSubscriber(chain LogSource, st *store.MemoryStore) *Subscriber {
	return New(chain, st, st, Config{
		Confirmations: 2,
		PollInterval:  5 * time.Millisecond,
	}, nil, nil, zap.NewNop())
}

func TestPollCreatesTasksAndAdvancesCursor(t *testing.T) {
	chain := &fakeLogSource{
		head: 100,
		events: map[uint64][]evm.ContributionEvent{
			40: {contribution(40, 0, 1000, "0xaaa")},
			60: {contribution(60, 3, 2000, "0xbbb")},
		},
	}
	st := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := st.UpsertWatch(ctx, strategyAddr.Hex()); err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	sub := newTestSubscriber(chain, st)

	cursor, err := sub.poll(ctx, strategyAddr, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if cursor != 98 {
		t.Errorf("cursor = %d, want 98 (head - confirmations)", cursor)
	}

	detected, err := st.ListTasksByStatus(ctx, models.TaskStatusDetected, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(detected) != 2 {
		t.Fatalf("created %d tasks, want 2", len(detected))
	}
	if detected[0].AmountIn != "1000" || detected[1].AmountIn != "2000" {
		t.Errorf("amounts = %s, %s", detected[0].AmountIn, detected[1].AmountIn)
	}

	watch, err := st.GetWatch(ctx, strategyAddr.Hex())
	if err != nil {
		t.Fatalf("get watch: %v", err)
	}
	if watch.LastBlock != 98 || watch.LastLogIndex != 3 {
		t.Errorf("persisted cursor = (%d, %d), want (98, 3)", watch.LastBlock, watch.LastLogIndex)
	}
}

func TestPollRedeliveryCreatesNoDuplicates(t *testing.T) {
	chain := &fakeLogSource{
		head: 100,
		events: map[uint64][]evm.ContributionEvent{
			40: {contribution(40, 0, 1000, "0xaaa")},
		},
	}
	st := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := st.UpsertWatch(ctx, strategyAddr.Hex()); err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	sub := newTestSubscriber(chain, st)

	// Poll the same range twice, as happens after a crash between the
	// task insert and the cursor write.
	if _, err := sub.poll(ctx, strategyAddr, 0); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if _, err := sub.poll(ctx, strategyAddr, 0); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	count, err := st.CountByStatus(ctx, models.TaskStatusDetected)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("task count = %d, want 1", count)
	}
}

func TestPollDistinguishesLogsInSameTransaction(t *testing.T) {
	// Two contributions from the same contributor in one transaction
	// differ only by log index and must settle separately.
	chain := &fakeLogSource{
		head: 100,
		events: map[uint64][]evm.ContributionEvent{
			40: {
				contribution(40, 0, 1000, "0xaaa"),
				contribution(40, 1, 1000, "0xaaa"),
			},
		},
	}
	st := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := st.UpsertWatch(ctx, strategyAddr.Hex()); err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	sub := newTestSubscriber(chain, st)

	if _, err := sub.poll(ctx, strategyAddr, 0); err != nil {
		t.Fatalf("poll: %v", err)
	}

	count, err := st.CountByStatus(ctx, models.TaskStatusDetected)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("task count = %d, want 2", count)
	}
}

func TestPollWithinConfirmationWindowIsNoop(t *testing.T) {
	chain := &fakeLogSource{
		head: 100,
		events: map[uint64][]evm.ContributionEvent{
			99: {contribution(99, 0, 1000, "0xaaa")},
		},
	}
	st := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := st.UpsertWatch(ctx, strategyAddr.Hex()); err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	sub := newTestSubscriber(chain, st)

	// Block 99 is above head - confirmations and must wait.
	cursor, err := sub.poll(ctx, strategyAddr, 98)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if cursor != 98 {
		t.Errorf("cursor = %d, want 98", cursor)
	}
	count, _ := st.CountByStatus(ctx, models.TaskStatusDetected)
	if count != 0 {
		t.Errorf("task count = %d, want 0", count)
	}
}

func TestRunStartsWatchLoopOncePerStrategy(t *testing.T) {
	chain := &fakeLogSource{
		head: 100,
		events: map[uint64][]evm.ContributionEvent{
			40: {contribution(40, 0, 1000, "0xaaa")},
		},
	}
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := st.UpsertWatch(ctx, strategyAddr.Hex()); err != nil {
		t.Fatalf("seed watch: %v", err)
	}

	in := make(chan models.StrategyWatch, 4)
	sub := New(chain, st, st, Config{
		Confirmations: 2,
		PollInterval:  5 * time.Millisecond,
	}, in, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	watch := models.StrategyWatch{StrategyAddress: strategyAddr.Hex()}
	in <- watch
	in <- watch // duplicate delivery must not spawn a second loop

	deadline := time.After(time.Second)
	for {
		count, _ := st.CountByStatus(ctx, models.TaskStatusDetected)
		if count == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never created, count = %d", count)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Give a duplicate loop time to double-insert; dedupe plus the
	// active-set guard keep the count at one.
	time.Sleep(30 * time.Millisecond)
	count, _ := st.CountByStatus(context.Background(), models.TaskStatusDetected)
	if count != 1 {
		t.Errorf("task count = %d, want 1", count)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
