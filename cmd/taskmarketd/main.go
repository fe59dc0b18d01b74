package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/internal/api"
	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/observability/metrics"
	"TaskMarket-Chain/internal/registry"
	"TaskMarket-Chain/pkg/logger"
)

// main 是 taskmarketd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("taskmarketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("taskmarketd")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	var owner common.Address
	if cfg.Registry.Owner != "" {
		owner = common.HexToAddress(cfg.Registry.Owner)
	}
	regOpts := []registry.Option{registry.WithLogger(logger.Named("registry"))}
	if cfg.Metrics.Enabled {
		regOpts = append(regOpts, registry.WithObserver(metrics.RegistryObserver{}))
	}
	reg, err := registry.Open(ctx, store, owner, regOpts...)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer reg.Close()

	lg.Info("注册表已加载",
		slog.String("owner", reg.Owner().Hex()),
		slog.Uint64("task_count", reg.TaskCount()),
		slog.String("escrow", reg.EscrowBalance().String()),
		slog.String("storage", cfg.Storage.Driver),
	)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var closers []func()
	// 先停止后台组件，再按注册的逆序释放资源。
	defer func() {
		cancel()
		wg.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("后台组件异常退出", slog.String("component", name), slog.Any("error", err))
			}
		}()
	}

	apiOpts := []api.Option{api.WithMetrics(cfg.Metrics.Enabled && cfg.Metrics.Address == cfg.Server.Address)}

	relay, closePublisher, err := buildRelay(ctx, cfg, reg)
	if err != nil {
		return err
	}
	if relay != nil {
		closers = append(closers, closePublisher)
		background("relay", relay.Run)
		apiOpts = append(apiOpts, api.WithCommitHook(relay.Trigger))
	}

	if cfg.Chain.Enabled {
		watcher, closeChain, err := buildWatcher(ctx, cfg.Chain)
		if err != nil {
			return err
		}
		closers = append(closers, closeChain)
		background("mirror", watcher.Run)
		if cfg.Metrics.Enabled {
			background("mirror-metrics", func(ctx context.Context) error {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						metrics.ObserveMirror(watcher.Status())
					}
				}
			})
		}
		apiOpts = append(apiOpts, api.WithMirror(watcher))
	}

	if cfg.Metrics.Enabled {
		if err := metrics.RegisterRegistryGauges(nil, reg); err != nil {
			return err
		}
		if cfg.Metrics.Address != cfg.Server.Address {
			background("metrics", func(ctx context.Context) error {
				return metrics.StartServer(ctx, cfg.Metrics.Address)
			})
		}
	}

	server := api.NewServer(cfg.Server, reg, apiOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("taskmarketd 已停止")
	return nil
}
