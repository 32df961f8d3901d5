package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/config"
	"sudooom.im.realtime/internal/connection"
	"sudooom.im.realtime/internal/focus"
	"sudooom.im.realtime/internal/handler"
	"sudooom.im.realtime/internal/health"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/nats"
	"sudooom.im.realtime/internal/notify"
	imRedis "sudooom.im.realtime/internal/redis"
	"sudooom.im.realtime/internal/server"
	"sudooom.im.realtime/internal/snowflake"
	"sudooom.im.realtime/internal/workerpool"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.Logging, debug)
	slog.SetDefault(logger)
	if redacted, err := cfg.Redacted(); err == nil {
		logger.Debug("Effective configuration", "config", redacted)
	}

	nodeID := cfg.Server.NodeID

	tokens, err := auth.NewTokenService(tokenConfig(cfg.Auth))
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}

	// 注册表与会话聚焦
	manager := connection.NewManager(logger, connection.WithMaxConnectionsPerUser(cfg.Presence.MaxConnectionsPerUser))
	m := metrics.New(manager)
	tracker := focus.NewTracker(logger,
		focus.WithQuietPeriod(cfg.Focus.QuietPeriod),
		focus.WithPresence(manager))
	manager.AddListener(tracker)

	authn := auth.NewAuthenticator(tokens, cfg.Auth.CookieName, logger, m)
	dispatcher := notify.NewDispatcher(manager, tracker, logger, m)

	sweeperOpts := []connection.SweeperOption{
		connection.WithSweepInterval(cfg.Sweeper.Interval),
		connection.WithFocusRetention(cfg.Focus.Retention),
		connection.WithSweepRecorder(m),
	}

	var (
		natsState health.NATSConn
		redisPing health.Pinger
	)

	// Redis 在线状态镜像（可选）
	if cfg.Redis.Addr != "" {
		redisClient := imRedis.NewClient(cfg.Redis, nodeID, 3*cfg.Sweeper.Interval, logger)
		defer redisClient.Close()

		manager.AddListener(redisClient)
		sweeperOpts = append(sweeperOpts, connection.WithAliveHook(redisClient.RefreshHook))
		redisPing = redisClient
		logger.Info("Presence mirror enabled", "addr", cfg.Redis.Addr)
	}

	// NATS 命令与在线事件（可选）
	if cfg.NATS.URL != "" {
		natsClient, err := nats.NewClient(cfg.NATS, "access-"+nodeID, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()
		natsState = natsClient

		manager.AddListener(nats.NewPresencePublisher(natsClient, nodeID, logger))

		pool := workerpool.New("nats-commands", cfg.WorkerPool.Workers, cfg.WorkerPool.QueueSize, logger)
		defer pool.Shutdown()

		subscriber := nats.NewCommandSubscriber(natsClient, dispatcher, tracker, pool, m, logger)
		if err := subscriber.Start(); err != nil {
			return fmt.Errorf("subscribe commands: %w", err)
		}
		defer subscriber.Stop()

		responder := nats.NewQueryResponder(natsClient, manager, nodeID, logger)
		if err := responder.Start(); err != nil {
			return fmt.Errorf("subscribe presence query: %w", err)
		}
		defer responder.Stop()
	} else {
		logger.Warn("NATS not configured, notification commands disabled")
	}

	// 存活检测
	sweeper := connection.NewSweeper(manager, tracker, logger, sweeperOpts...)
	sweeper.Start()
	defer sweeper.Stop()

	checker := health.NewChecker(nodeID, natsState, redisPing, sweeper, manager)

	srv := server.New(cfg, server.Deps{
		Authenticator: authn,
		Manager:       manager,
		Handler:       handler.NewHandler(tracker, cfg.Presence.SignalRate, cfg.Presence.SignalBurst, m, logger),
		IDs:           snowflake.NewNode(cfg.Server.NodeNumber),
		Health:        checker,
		Ready:         checker.ReadyHandler(),
		Metrics:       m.Handler(),
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.StartHTTP(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartWebTransport(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("webtransport server: %w", err)
		}
	}()

	logger.Info("Access server started",
		"node_id", nodeID,
		"webtransport_addr", cfg.Server.Addr,
		"http_addr", cfg.Server.HTTPAddr,
		"max_connections_per_user", manager.MaxConnectionsPerUser())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	// 先关闭通道，剩余清理按 defer 逆序执行
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("Server shutdown returned errors", "error", err)
	}
	logger.Info("Server stopped", "stats", manager.Stats())

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
