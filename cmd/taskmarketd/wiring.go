package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/events"
	"TaskMarket-Chain/internal/observability/alerting"
	"TaskMarket-Chain/internal/observability/metrics"
	"TaskMarket-Chain/internal/projection"
	"TaskMarket-Chain/internal/registry"
	"TaskMarket-Chain/internal/storage/sqlstore"
	"TaskMarket-Chain/internal/web3/provider"
	"TaskMarket-Chain/pkg/logger"
)

func openStore(ctx context.Context, cfg config.StorageConfig) (registry.Store, error) {
	switch cfg.Driver {
	case "memory":
		return registry.NewMemoryStore(), nil
	case "journal":
		return registry.NewJournalStore(cfg.DataDir, registry.WithFsync(cfg.Fsync))
	case "mysql", "sqlite":
		return sqlstore.New(ctx, sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// buildRelay 根据 events.driver 构造事件转发；driver 为 none 时返回 nil。
func buildRelay(ctx context.Context, cfg *config.Config, reg *registry.Registry) (*events.Relay, func(), error) {
	opts := []events.RelayOption{
		events.WithPollInterval(cfg.Events.PollInterval.Std()),
		events.WithBatchSize(cfg.Events.BatchSize),
		events.WithRetry(cfg.Events.MaxAttempts, cfg.Events.RetryBackoff.Std()),
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.Metrics.Enabled {
		notifiers = append(notifiers, metrics.AlertCounter{})
		opts = append(opts, events.WithPublishHook(metrics.ObservePublished))
	}
	opts = append(opts, events.WithAlertDispatcher(alerting.NewFanout(notifiers...)))

	var publisher events.Publisher
	switch cfg.Events.Driver {
	case "none":
		return nil, func() {}, nil
	case "memory":
		publisher = events.NewMemoryPublisher()
	case "redis":
		redisCfg := cfg.Events.Redis
		p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:   redisCfg.Address,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			Stream:    redisCfg.Stream,
			MaxLen:    redisCfg.MaxLen,
			CursorKey: redisCfg.CursorKey,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, events.WithCursor(events.NewRedisCursor(p.Client(), redisCfg.CursorKey)))
		publisher = p
	case "rabbitmq":
		p, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		publisher = p
	default:
		return nil, nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}

	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Named("relay").Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}
	return events.NewRelay(reg, publisher, opts...), closeFn, nil
}

func buildWatcher(ctx context.Context, cfg config.ChainConfig) (*projection.Watcher, func(), error) {
	chains, err := provider.NewRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := chains.DefaultClient()
	if err != nil {
		chains.Close()
		return nil, nil, err
	}
	def, _ := chains.Definition(chains.DefaultChain())
	if !common.IsHexAddress(def.ContractAddress) {
		chains.Close()
		return nil, nil, fmt.Errorf("链 %s 未配置合约地址", chains.DefaultChain())
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		logger.Named("mirror").Warn("读取链状态失败", slog.Any("error", err))
	} else {
		logger.Named("mirror").Info("已连接链节点",
			slog.String("chain", snapshot.Name),
			slog.String("chain_id", snapshot.ChainID),
			slog.String("block", snapshot.BlockNumber),
			slog.String("contract", def.ContractAddress),
		)
	}

	watcher := projection.NewWatcher(client, common.HexToAddress(def.ContractAddress), projection.NewView(),
		projection.WithFromBlock(def.FromBlock),
		projection.WithChainName(chains.DefaultChain()),
	)
	return watcher, chains.Close, nil
}
