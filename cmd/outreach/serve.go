package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"proactive-outreach-engine/pkg/channel"
	"proactive-outreach-engine/pkg/config"
	"proactive-outreach-engine/pkg/handlers"
	"proactive-outreach-engine/pkg/intent"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/orchestrator"
	"proactive-outreach-engine/pkg/pulse"
	redisClient "proactive-outreach-engine/pkg/redis"
	"proactive-outreach-engine/pkg/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"pod_id":     cfg.PodID,
		"event_sink": cfg.EventSink,
		"redis":      cfg.RedisEnabled(),
	}).Info("Starting outreach engine")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	db, st, err := openStore(cfg, m)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cache      pulse.Cache             = pulse.NewMemoryCache()
		leadership orchestrator.Leadership = orchestrator.AlwaysLeader{}
		sink       orchestrator.EventSink  = st
	)

	if cfg.RedisEnabled() {
		client, err := redisClient.NewClient(redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		rdb := client.Redis()

		cache = redisClient.NewPulseCache(rdb, cfg.PulseCacheTTL())

		election := redisClient.NewLeaderElection(rdb, cfg.PodID, cfg.LeaderElectionTTLDuration(), logger, m)
		election.Start(ctx)
		defer election.Stop()
		leadership = election

		if cfg.EventSink == config.EventSinkRedis {
			sink = redisClient.NewStreamSink(rdb, logger)
			drain := redisClient.NewStreamDrain(rdb, st, cfg.ConsumerGroupName, cfg.PodID, logger, m)
			if err := drain.Start(ctx); err != nil {
				return fmt.Errorf("start event drain: %w", err)
			}
			defer drain.Stop()
		}
	}

	var sender channel.Sender = channel.NewLogSender(logger)
	if cfg.ChannelWebhookURL != "" {
		sender = channel.NewWebhookSender(cfg.ChannelWebhookURL, 0, logger)
	}

	locks := pulse.NewKeyedMutex()
	pulseService := pulse.NewService(st, cache, locks, nil, logger, m)

	selector := intent.NewSelector(intent.Sources{
		Users:    st,
		Pulse:    pulseService,
		Sessions: st,
		Keywords: st,
		Funnels:  st,
		Topics:   st,
	}, nil, logger)

	// closed after the orchestrator so events from stopped timers still drain
	events := orchestrator.NewEventEmitter(sink, cfg.EventBufferSize, logger, m)
	defer events.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Selector: selector,
		Resolver: orchestrator.NewDefinitionResolver(st),
		Sender:   sender,
		Events:   events,
		Locks:    locks,
		Logger:   logger,
		Metrics:  m,
	}, cfg.IdleTimeout())
	defer orch.Close()

	// Timers do not survive a restart; catch up on anything that went idle
	// while the process was down.
	if leadership.IsLeader() {
		if _, err := orch.SweepExpired(ctx, cfg.IdleTimeout()); err != nil {
			logger.WithError(err).Warn("Startup sweep failed")
		}
	}

	sweeper := orchestrator.NewSweeper(orch, leadership, cfg.SweepInterval(), logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	isLeader := func() bool { return leadership.IsLeader() }
	handler := handlers.NewHandler(handlers.Deps{
		Users:    st,
		Pulse:    pulseService,
		Funnels:  orch,
		Ping:     st.Ping,
		IsLeader: isLeader,
		PodID:    cfg.PodID,
		Logger:   logger,
	})
	httpServer := server.NewHTTPServer(cfg.Port, server.NewRouter(handler, prometheus.DefaultGatherer, logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			return err
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Outreach engine shutdown complete")
	return err
}
