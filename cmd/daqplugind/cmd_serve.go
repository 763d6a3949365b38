package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/api"
	"daq-plugin/internal/capability"
	"daq-plugin/internal/config"
	"daq-plugin/internal/events"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/internal/observability/tracing"
	"daq-plugin/internal/rpc"
	"daq-plugin/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动采集插件，直到收到 SIGINT/SIGTERM",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging, slog.String("plugin", cfg.Plugin.Name)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("daqplugind")

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("关闭链路追踪失败", slog.String("error", err.Error()))
		}
	}()

	alerts := buildAlerts(cfg.Alerting)

	registry := capability.NewRegistry()
	drivers, err := buildDrivers(cfg, registry)
	if err != nil {
		return err
	}
	if err := drivers.OpenAll(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := drivers.CloseAll(closeCtx); err != nil {
			log.Warn("关闭驱动失败", slog.String("error", err.Error()))
		}
	}()

	st, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	queue, err := buildQueue(cfg.Queue)
	if err != nil {
		_ = st.Close()
		return err
	}

	opts := []acquisition.Option{
		acquisition.WithPluginName(cfg.Plugin.Name, cfg.Plugin.Version),
		acquisition.WithRequestTimeout(cfg.Acquisition.RequestTimeout),
		acquisition.WithRetention(cfg.Acquisition.Retention),
		acquisition.WithRetryDelay(cfg.Acquisition.RetryDelay),
		acquisition.WithJanitorInterval(cfg.Acquisition.JanitorInterval),
		acquisition.WithAlertDispatcher(alerts),
	}
	if cfg.Acquisition.RateLimit > 0 {
		opts = append(opts, acquisition.WithRateLimit(cfg.Acquisition.RateLimit, cfg.Acquisition.RateBurst))
	}

	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.NewKafkaPublisher(ctx, cfg.Events.Kafka, events.WithPluginName(cfg.Plugin.Name))
		if err != nil {
			_ = queue.Close()
			_ = st.Close()
			return err
		}
		defer publisher.Close()
		opts = append(opts, acquisition.WithTransitionHook(publisher.Hook()))
	}

	service := acquisition.NewService(registry, drivers, st, queue, opts...)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭采集服务失败", slog.String("error", err.Error()))
		}
	}()
	processor := acquisition.NewProcessor(service, queue,
		acquisition.WithWorkerCount(cfg.Acquisition.Workers),
		acquisition.WithProcessorLogger(logger.Named("processor")),
	)

	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}

	keepAlive, closeDirectory, err := buildKeepAlive(ctx, cfg, service.GetServiceInfo(), alerts)
	if err != nil {
		return err
	}
	defer func() { _ = closeDirectory() }()

	apiOpts := []api.Option{api.WithAuth(authSvc)}
	if cfg.Server.MetricsAddress == "" {
		apiOpts = append(apiOpts, api.WithMetricsEndpoint())
	}
	if keepAlive != nil {
		apiOpts = append(apiOpts, api.WithDirectory(keepAlive))
	}
	httpServer := api.NewServer(cfg.Server.HTTPAddress, service, apiOpts...)

	var rpcOpts []rpc.ServerOption
	if authSvc != nil {
		rpcOpts = append(rpcOpts, rpc.WithAuth(authSvc))
	}
	rpcServer := rpc.NewServer(service, rpcOpts...)

	log.Info("采集插件启动",
		slog.String("plugin", cfg.Plugin.Name),
		slog.String("version", cfg.Plugin.Version),
		slog.Int("capabilities", registry.Len()),
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("grpc", cfg.Server.GRPCAddress),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("store", cfg.Store.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(httpServer.Start(gctx)) })
	g.Go(func() error { return rpcServer.ListenAndServe(gctx, cfg.Server.GRPCAddress) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress)) })
	}
	if publisher != nil {
		g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	}
	if keepAlive != nil {
		g.Go(func() error { return keepAlive.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := keepAlive.Shutdown(shutdownCtx); err != nil {
				log.Warn("目录注销失败", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("采集插件退出")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
