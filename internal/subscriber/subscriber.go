// Package subscriber converts pending-contribution logs on watched escrow
// contracts into settlement tasks, tracking a durable resume cursor per
// contract so a restart neither skips nor duplicates work.
package subscriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"crowdswap/settler/internal/blockchain/evm"
	"crowdswap/settler/internal/metrics"
	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/store"
)

// LogSource is the chain surface the subscriber needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterContributionPending(ctx context.Context, strategy common.Address, fromBlock, toBlock uint64) ([]evm.ContributionEvent, error)
}

// Config holds subscriber tuning.
type Config struct {
	Confirmations uint64
	PollInterval  time.Duration
}

// Subscriber runs one watch loop per strategy contract. Each loop polls
// logs from its cursor, inserts one task per log (the dedupe key absorbs
// replays), and advances the cursor only after the range is processed.
type Subscriber struct {
	chain   LogSource
	tasks   store.TaskStore
	watches store.WatchStore
	cfg     Config
	in      <-chan models.StrategyWatch
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// New creates a subscriber consuming watches from in.
func New(chain LogSource, tasks store.TaskStore, watches store.WatchStore, cfg Config, in <-chan models.StrategyWatch, m *metrics.Metrics, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		chain:   chain,
		tasks:   tasks,
		watches: watches,
		cfg:     cfg,
		in:      in,
		metrics: m,
		logger:  logger.Named("subscriber"),
		active:  make(map[string]struct{}),
	}
}

// Run consumes watches and spawns a loop per previously unseen address.
func (s *Subscriber) Run(ctx context.Context) {
	s.logger.Info("Subscriber started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Uint64("confirmations", s.cfg.Confirmations))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Subscriber stopping")
			s.wg.Wait()
			return
		case watch, ok := <-s.in:
			if !ok {
				s.wg.Wait()
				return
			}
			s.startWatch(ctx, watch)
		}
	}
}

func (s *Subscriber) startWatch(ctx context.Context, watch models.StrategyWatch) {
	key := strings.ToLower(watch.StrategyAddress)

	s.mu.Lock()
	if _, ok := s.active[key]; ok {
		s.mu.Unlock()
		return
	}
	s.active[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLoop(ctx, watch)
	}()
}

func (s *Subscriber) watchLoop(ctx context.Context, watch models.StrategyWatch) {
	strategy := common.HexToAddress(watch.StrategyAddress)
	logger := s.logger.With(zap.String("strategy", strategy.Hex()))

	logger.Info("Watch loop started", zap.Uint64("cursor", watch.LastBlock))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	cursor := watch.LastBlock

	// Initial poll
	if next, err := s.poll(ctx, strategy, cursor); err != nil {
		logger.Warn("Poll failed, will resume from cursor", zap.Error(err))
	} else {
		cursor = next
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch loop stopping", zap.Uint64("cursor", cursor))
			return
		case <-ticker.C:
			next, err := s.poll(ctx, strategy, cursor)
			if err != nil {
				// Cursor untouched: the same range is retried next
				// tick, no log is silently skipped.
				logger.Warn("Poll failed, will resume from cursor", zap.Error(err))
				continue
			}
			cursor = next
		}
	}
}

// poll processes logs in (cursor, head-confirmations] and returns the new
// cursor. A crash between task insert and cursor write re-delivers logs;
// the dedupe key makes re-delivery harmless.
func (s *Subscriber) poll(ctx context.Context, strategy common.Address, cursor uint64) (uint64, error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return cursor, err
	}
	if head <= s.cfg.Confirmations {
		return cursor, nil
	}
	to := head - s.cfg.Confirmations
	if to <= cursor {
		return cursor, nil
	}

	events, err := s.chain.FilterContributionPending(ctx, strategy, cursor+1, to)
	if err != nil {
		return cursor, err
	}

	lastLogIndex := int64(-1)
	for _, event := range events {
		if err := s.createTask(ctx, event); err != nil {
			return cursor, err
		}
		lastLogIndex = int64(event.LogIndex)
	}

	if err := s.watches.UpdateWatchCursor(ctx, strategy.Hex(), to, lastLogIndex); err != nil {
		return cursor, err
	}

	return to, nil
}

func (s *Subscriber) createTask(ctx context.Context, event evm.ContributionEvent) error {
	dedupeKey := models.DedupeKey(event.Strategy, event.Contributor, event.TxHash, event.LogIndex)

	// Cursor replays mostly re-deliver known logs; skip the insert for
	// those. The unique constraint still guards the race.
	if _, err := s.tasks.GetTaskByDedupeKey(ctx, dedupeKey); err == nil {
		s.logger.Debug("Contribution log already tracked",
			zap.String("dedupe_key", dedupeKey))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	task := &models.SettlementTask{
		TaskID:          uuid.NewString(),
		DedupeKey:       dedupeKey,
		StrategyAddress: event.Strategy.Hex(),
		Contributor:     event.Contributor.Hex(),
		AmountIn:        event.Amount.String(),
		Status:          models.TaskStatusDetected,
		NextRetryAt:     time.Now(),
	}

	created, err := s.tasks.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Debug("Contribution log already tracked",
			zap.String("dedupe_key", task.DedupeKey))
		return nil
	}

	if s.metrics != nil {
		s.metrics.IncTask(string(models.TaskStatusDetected))
	}

	s.logger.Info("Settlement task created",
		zap.String("task_id", task.TaskID),
		zap.String("strategy", task.StrategyAddress),
		zap.String("contributor", task.Contributor),
		zap.String("amount_in", task.AmountIn),
		zap.Uint64("block", event.BlockNumber))

	return nil
}
