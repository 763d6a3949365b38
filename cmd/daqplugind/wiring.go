package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/auth"
	"daq-plugin/internal/capability"
	"daq-plugin/internal/config"
	"daq-plugin/internal/directory"
	"daq-plugin/internal/driver/file"
	"daq-plugin/internal/driver/nmea"
	"daq-plugin/internal/driver/static"
	"daq-plugin/internal/observability/alerting"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
	"daq-plugin/pkg/logger"
)

// buildDrivers 读取驱动清单，内置驱动通过工厂创建，能力声明写入注册表。
func buildDrivers(cfg *config.Config, registry *capability.Registry) (*driver.Manager, error) {
	if cfg.Drivers.Manifest == "" {
		return nil, errors.New("未配置 drivers.manifest")
	}
	manifest, err := driver.LoadManagerConfig(cfg.Drivers.Manifest)
	if err != nil {
		return nil, err
	}
	return driver.NewManager(manifest,
		driver.WithFactory(static.Kind, static.Factory()),
		driver.WithFactory(file.Kind, file.Factory()),
		driver.WithFactory(nmea.Kind, nmea.Factory()),
		driver.WithCapabilityHook(func(driverID string, spec driver.CapabilitySpec) error {
			if err := registry.Register(capability.FromSpec(spec)); err != nil {
				return fmt.Errorf("驱动 %s: %w", driverID, err)
			}
			return nil
		}),
	)
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sql":
		return store.NewSQLStore(ctx, cfg.SQL)
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", cfg.Backend)
	}
}

func buildQueue(cfg config.QueueConfig) (acquisition.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return acquisition.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return acquisition.NewRedisQueue(cfg.Redis)
	case "rabbitmq":
		return acquisition.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook)})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.SlackWebhook).SlackSender(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildAuth(cfg auth.Config) (*auth.Service, error) {
	svc, err := auth.NewService(cfg)
	if err != nil {
		return nil, err
	}
	if svc.Mode() == auth.ModeDisabled {
		logger.L().Warn("未启用接口认证，任何调用方都可以提交采集请求")
		return nil, nil
	}
	return svc, nil
}

// buildKeepAlive 创建目录保活任务，未启用目录时返回 nil。
func buildKeepAlive(ctx context.Context, cfg *config.Config, info acquisition.ServiceInfo, alerts alerting.Dispatcher) (*directory.KeepAlive, func() error, error) {
	if !cfg.Directory.Enabled {
		return nil, func() error { return nil }, nil
	}

	var (
		client  directory.Client
		closeFn = func() error { return nil }
	)
	switch cfg.Directory.Backend {
	case "", "memory":
		client = directory.NewMemoryDirectory(cfg.Directory.Redis.TTL)
	case "redis":
		dir, err := directory.NewRedisDirectory(ctx, cfg.Directory.Redis)
		if err != nil {
			return nil, nil, err
		}
		client, closeFn = dir, dir.Close
	default:
		return nil, nil, fmt.Errorf("未知的目录后端: %s", cfg.Directory.Backend)
	}

	var provider auth.Provider
	if cfg.Credentials.File != "" {
		provider = auth.NewFileProvider(cfg.Credentials.File)
	} else {
		provider = auth.NewStaticProvider(auth.Credentials{GUID: cfg.Credentials.GUID, Secret: cfg.Credentials.Secret})
	}

	caps := make([]string, 0, len(info.Capabilities))
	for _, c := range info.Capabilities {
		caps = append(caps, c.Name)
	}
	desc := directory.Descriptor{
		Name:         cfg.Plugin.Name,
		Type:         cfg.Plugin.Type,
		Address:      cfg.Server.AdvertiseAddress,
		HTTPAddress:  cfg.Server.AdvertiseHTTP,
		Version:      cfg.Plugin.Version,
		Capabilities: caps,
		Labels:       cfg.Plugin.Labels,
	}
	keepAlive := directory.NewKeepAlive(client, provider, desc, cfg.Directory.KeepAlive,
		directory.WithAlertDispatcher(alerts),
		directory.WithLogger(logger.Named("directory").With(slog.String("backend", cfg.Directory.Backend))),
	)
	return keepAlive, closeFn, nil
}
