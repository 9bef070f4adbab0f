package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"crowdswap/settler/internal/blockchain/evm"
	"crowdswap/settler/internal/config"
	"crowdswap/settler/internal/metrics"
	"crowdswap/settler/internal/models"
	"crowdswap/settler/internal/quote"
	"crowdswap/settler/internal/registry"
	"crowdswap/settler/internal/store"
	"crowdswap/settler/internal/subscriber"
)

// watchChannelSize bounds the registry-to-subscriber handoff. Discovery
// is bursty at bootstrap but each watch is consumed quickly.
const watchChannelSize = 64

// Manager wires the pipeline together: the registry discovers escrow
// contracts, the subscriber turns their events into persisted tasks, and
// the dispatcher feeds those tasks to orchestrator workers that drive
// them to confirmation through a single serialized transaction gateway.
type Manager struct {
	cfg     *config.Config
	store   store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	chain   *evm.Client
	gateway *evm.Gateway

	registry     *registry.Registry
	subscriber   *subscriber.Subscriber
	dispatcher   *Dispatcher
	orchestrator *Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates all pipeline components and their chain clients.
func NewManager(cfg *config.Config, st store.Store, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	logger = logger.Named("worker")

	chain, err := evm.Dial(cfg.Chain.RPCEndpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	gateway, err := evm.NewGateway(ctx, chain.Raw(), cfg.Operator.PrivateKey, logger)
	if err != nil {
		cancel()
		chain.Close()
		return nil, fmt.Errorf("failed to create transaction gateway: %w", err)
	}

	quotes := quote.NewClient(quote.Config{
		BaseURL:   cfg.Quote.BaseURL,
		SellToken: cfg.Quote.SellToken,
		Taker:     gateway.From(),
		Timeout:   cfg.Quote.Timeout,
		TTL:       cfg.Quote.TTL,
	}, logger)

	watchCh := make(chan models.StrategyWatch, watchChannelSize)

	reg := registry.New(chain, st, registry.Config{
		Factory:       common.HexToAddress(cfg.Chain.FactoryAddress),
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval,
	}, watchCh, logger)

	sub := subscriber.New(chain, st, st, subscriber.Config{
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval,
	}, watchCh, m, logger)

	dispatcher := NewDispatcher(st, m, cfg.Settlement.DispatchInterval, cfg.Settlement.QueueSize, logger)

	orchestrator := NewOrchestrator(st, st, chain, gateway, quotes, dispatcher, m, OrchestratorConfig{
		SlippageBps:    cfg.Settlement.SlippageBps,
		RetryCap:       cfg.Settlement.RetryCap,
		BackoffBase:    cfg.Settlement.BackoffBase,
		BackoffMax:     cfg.Settlement.BackoffMax,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout,
	}, logger)

	return &Manager{
		cfg:          cfg,
		store:        st,
		metrics:      m,
		logger:       logger,
		chain:        chain,
		gateway:      gateway,
		registry:     reg,
		subscriber:   sub,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches all pipeline goroutines.
func (m *Manager) Start() {
	m.logger.Info("Starting settlement pipeline",
		zap.String("factory", m.cfg.Chain.FactoryAddress),
		zap.String("operator", m.gateway.From().Hex()),
		zap.Int("workers", m.cfg.Settlement.Concurrency))

	m.gateway.Start(m.ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.registry.Run(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.subscriber.Run(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatcher.Run(m.ctx)
	}()

	for i := 0; i < m.cfg.Settlement.Concurrency; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.orchestrator.Run(m.ctx)
		}()
	}

	m.logger.Info("Settlement pipeline started")
}

// Shutdown stops the pipeline, waiting up to timeout for in-flight work.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info("Shutting down settlement pipeline")

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.gateway.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Pipeline stopped gracefully")
	case <-time.After(timeout):
		m.logger.Warn("Pipeline shutdown timed out")
	}

	m.chain.Close()

	m.logger.Info("Settlement pipeline shutdown complete")
	return nil
}
