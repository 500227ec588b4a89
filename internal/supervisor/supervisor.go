// Package supervisor wires the engine together and owns its lifecycle: the
// two pipelines run in parallel, the historical main worker is restarted
// gracefully on a fixed cadence, and SIGINT/SIGTERM tears the process down
// in dependency order.
package supervisor

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/internal/chain"
	"github.com/betwatch/prediction-engine/internal/config"
	"github.com/betwatch/prediction-engine/internal/db"
	"github.com/betwatch/prediction-engine/internal/detector"
	"github.com/betwatch/prediction-engine/internal/fanout"
	"github.com/betwatch/prediction-engine/internal/historical"
	"github.com/betwatch/prediction-engine/internal/realtime"
)

const (
	// restartInterval is the cadence of the historical worker's graceful
	// stop-validate-restart cycle.
	restartInterval = 30 * time.Minute
	// shutdownGrace bounds how long teardown waits on the HTTP listener.
	shutdownGrace = 5 * time.Second
)

// Mode selects which pipelines a Run starts.
type Mode struct {
	Historical bool
	Realtime   bool
}

// Supervisor holds the wired component graph.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  *db.Store
	client *chain.Client
	sub    *chain.Subscriber
	hub    *fanout.Hub
	server *fanout.Server
	hist   *historical.Manager
	pipe   *realtime.Pipeline
}

// New connects the store and the chain endpoint, then builds the component
// graph. Nothing is started yet.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Supervisor, error) {
	store, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.ContractAddress, cfg.RateLimitRPS, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	proc := historical.NewProcessor(client, store, cfg.MultiClaimThreshold, logger)
	hub := fanout.NewHub(logger)
	s := &Supervisor{
		cfg:    cfg,
		logger: logger.With().Str("component", "supervisor").Logger(),
		store:  store,
		client: client,
		sub:    chain.NewSubscriber(cfg.WSURL, cfg.ContractAddress, logger),
		hub:    hub,
		server: fanout.NewServer(cfg.FanoutPort, hub, store, logger),
		hist:   historical.NewManager(proc, logger),
		pipe:   realtime.NewPipeline(client, store, detector.NewOnline(store, logger), hub, logger),
	}
	return s, nil
}

// Run starts the selected pipelines and blocks until a termination signal
// or ctx cancellation, then tears down in order: pipelines drain first, the
// fan-out listener and hub close next, the store last. A listener that
// cannot serve (port already bound) is fatal and surfaces as Run's error.
func (s *Supervisor) Run(parent context.Context, mode Mode) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pipelines, listener sync.WaitGroup
	listenErr := make(chan error, 1)

	if mode.Realtime {
		listener.Add(1)
		go func() {
			defer listener.Done()
			if err := s.server.Start(); err != nil {
				s.logger.Error().Err(err).Msg("fanout listener failed")
				listenErr <- err
				stop()
			}
		}()

		events := s.sub.Run(ctx)
		pipelines.Add(1)
		go func() {
			defer pipelines.Done()
			s.pipe.Run(ctx, events)
		}()
	}

	if mode.Historical {
		s.hist.Start(ctx)
		pipelines.Add(1)
		go func() {
			defer pipelines.Done()
			s.runRestartLoop(ctx)
		}()
	}

	s.logger.Info().Bool("historical", mode.Historical).Bool("realtime", mode.Realtime).Msg("engine running")
	<-ctx.Done()
	s.logger.Info().Msg("termination signal received, shutting down")

	// The hub must outlive every broadcaster, so the pipelines drain before
	// the fan-out server closes it.
	pipelines.Wait()
	if mode.Realtime {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("fanout shutdown incomplete")
		}
		cancel()
		listener.Wait()
	}
	s.store.Close()
	s.logger.Info().Msg("shutdown complete")

	select {
	case err := <-listenErr:
		return err
	default:
		return nil
	}
}

// runRestartLoop triggers the historical graceful restart every half hour.
func (s *Supervisor) runRestartLoop(ctx context.Context) {
	ticker := time.NewTicker(restartInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hist.GracefulRestart(ctx)
		}
	}
}

// RunRange runs the historical logic over one closed epoch interval and
// exits; used by the range CLI mode.
func (s *Supervisor) RunRange(ctx context.Context, from, to int64) (historical.RangeReport, error) {
	defer s.store.Close()
	return s.hist.ProcessRange(ctx, from, to)
}
