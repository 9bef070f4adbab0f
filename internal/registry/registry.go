// Package registry discovers the escrow contracts to watch: an initial
// bulk load from the factory plus live discovery of newly created ones.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"crowdswap/settler/internal/blockchain/evm"
	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/store"
)

// FactoryCursorName keys the factory discovery stream's persisted cursor.
const FactoryCursorName = "factory"

// ChainReader is the chain surface the registry needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	AllStrategies(ctx context.Context, factory common.Address) ([]common.Address, error)
	FilterStrategyCreated(ctx context.Context, factory common.Address, fromBlock, toBlock uint64) ([]evm.StrategyCreatedEvent, error)
}

// Config holds registry tuning.
type Config struct {
	Factory       common.Address
	Confirmations uint64
	PollInterval  time.Duration
	BootstrapBase time.Duration // first bootstrap retry delay
	BootstrapMax  time.Duration
}

// Registry tracks the watched strategy set, deduplicated by address, and
// emits each newly tracked watch exactly once per process lifetime.
type Registry struct {
	chain   ChainReader
	watches store.WatchStore
	cfg     Config
	out     chan<- models.StrategyWatch
	logger  *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

// New creates a registry emitting watches on out.
func New(chain ChainReader, watches store.WatchStore, cfg Config, out chan<- models.StrategyWatch, logger *zap.Logger) *Registry {
	if cfg.BootstrapBase <= 0 {
		cfg.BootstrapBase = 5 * time.Second
	}
	if cfg.BootstrapMax <= 0 {
		cfg.BootstrapMax = 2 * time.Minute
	}
	return &Registry{
		chain:   chain,
		watches: watches,
		cfg:     cfg,
		out:     out,
		logger:  logger.Named("registry"),
		known:   make(map[string]struct{}),
	}
}

// Run replays persisted watches, kicks off the factory bootstrap, and
// polls for StrategyCreated events. Bootstrap failures are retried with
// backoff in their own goroutine and never block live discovery.
func (r *Registry) Run(ctx context.Context) {
	if err := r.replayPersisted(ctx); err != nil {
		r.logger.Error("Failed to replay persisted watches", zap.Error(err))
	}

	go r.bootstrapWithRetry(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("Registry started",
		zap.String("factory", r.cfg.Factory.Hex()),
		zap.Duration("poll_interval", r.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Registry stopping")
			return
		case <-ticker.C:
			if err := r.discover(ctx); err != nil {
				r.logger.Error("Factory discovery poll failed", zap.Error(err))
			}
		}
	}
}

// replayPersisted re-emits watches already in the store so the
// subscriber resumes them after a restart.
func (r *Registry) replayPersisted(ctx context.Context) error {
	watches, err := r.watches.ListWatches(ctx)
	if err != nil {
		return err
	}
	for i := range watches {
		watch := watches[i]
		r.mu.Lock()
		r.known[strings.ToLower(watch.StrategyAddress)] = struct{}{}
		r.mu.Unlock()
		select {
		case r.out <- watch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(watches) > 0 {
		r.logger.Info("Resumed persisted watches", zap.Int("count", len(watches)))
	}
	return nil
}

// Bootstrap loads the factory's full current strategy set.
func (r *Registry) Bootstrap(ctx context.Context) error {
	strategies, err := r.chain.AllStrategies(ctx, r.cfg.Factory)
	if err != nil {
		return err
	}

	added := 0
	for _, strategy := range strategies {
		created, err := r.AddWatch(ctx, strategy)
		if err != nil {
			return err
		}
		if created {
			added++
		}
	}

	r.logger.Info("Bootstrap complete",
		zap.Int("strategies", len(strategies)),
		zap.Int("new", added))
	return nil
}

func (r *Registry) bootstrapWithRetry(ctx context.Context) {
	delay := r.cfg.BootstrapBase
	for {
		err := r.Bootstrap(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.Warn("Bootstrap failed, retrying",
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > r.cfg.BootstrapMax {
			delay = r.cfg.BootstrapMax
		}
	}
}

// AddWatch registers a strategy address. It is idempotent: an already
// tracked address is a no-op and reports false.
func (r *Registry) AddWatch(ctx context.Context, strategy common.Address) (bool, error) {
	key := strings.ToLower(strategy.Hex())

	r.mu.Lock()
	if _, ok := r.known[key]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.known[key] = struct{}{}
	r.mu.Unlock()

	created, err := r.watches.UpsertWatch(ctx, strategy.Hex())
	if err != nil {
		r.mu.Lock()
		delete(r.known, key)
		r.mu.Unlock()
		return false, err
	}

	watch, err := r.watches.GetWatch(ctx, strategy.Hex())
	if err != nil {
		return created, err
	}

	select {
	case r.out <- *watch:
	case <-ctx.Done():
		return created, ctx.Err()
	}

	if created {
		r.logger.Info("Strategy watch added", zap.String("strategy", strategy.Hex()))
	}
	return created, nil
}

// discover polls the factory's StrategyCreated logs from the persisted
// cursor up to the confirmed head.
func (r *Registry) discover(ctx context.Context) error {
	head, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head <= r.cfg.Confirmations {
		return nil
	}
	to := head - r.cfg.Confirmations

	cursor, err := r.watches.GetCursor(ctx, FactoryCursorName)
	if err != nil {
		return err
	}
	if to <= cursor {
		return nil
	}

	events, err := r.chain.FilterStrategyCreated(ctx, r.cfg.Factory, cursor+1, to)
	if err != nil {
		return err
	}

	for _, event := range events {
		if _, err := r.AddWatch(ctx, event.Strategy); err != nil {
			return err
		}
	}

	return r.watches.SetCursor(ctx, FactoryCursorName, to)
}
