package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Ademola21/nano-automation-suite/internal/agent"
	"github.com/Ademola21/nano-automation-suite/internal/api"
	"github.com/Ademola21/nano-automation-suite/internal/config"
	"github.com/Ademola21/nano-automation-suite/internal/consolidate"
	"github.com/Ademola21/nano-automation-suite/internal/events"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/observability/alerting"
	"github.com/Ademola21/nano-automation-suite/internal/rescue"
	"github.com/Ademola21/nano-automation-suite/internal/rpc"
	"github.com/Ademola21/nano-automation-suite/internal/store"
	"github.com/Ademola21/nano-automation-suite/internal/supervisor"
	"github.com/Ademola21/nano-automation-suite/internal/work"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet supervisor and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			start, _ := cmd.Flags().GetBool("start")
			return serve(cmd.Context(), cfg, start)
		},
	}
	cmd.Flags().Bool("start", false, "start the fleet with the saved settings on boot")
	return cmd
}

// node 汇总与节点通信所需的组件。
type node struct {
	client    *rpc.Client
	actions   rpc.Actions
	websocket string
}

func openNode(cfg *config.Config) (*node, error) {
	nodes, err := config.LoadNodes(cfg.RPC.NodesFile)
	if err != nil {
		return nil, err
	}
	endpoints := cfg.RPC.Endpoints
	if len(nodes.Endpoints) > 0 {
		endpoints = nodes.Endpoints
	}
	websocket := cfg.RPC.WebsocketURL
	if websocket == "" {
		websocket = nodes.Websocket
	}
	client, err := rpc.NewClient(endpoints)
	if err != nil {
		return nil, err
	}
	return &node{
		client:    client,
		actions:   rpc.Actions{Caller: client, Timeout: cfg.RPC.RPCTimeout()},
		websocket: websocket,
	}, nil
}

func newEngine(cfg *config.Config, n *node) *consolidate.Engine {
	var provider work.Provider
	if cfg.Work.LocalFallback {
		provider = &work.Fallback{
			Generator: n.actions,
			Timeout:   cfg.Work.RemoteTimeouts()[0],
			Workers:   cfg.Work.LocalWorkers,
		}
	} else {
		provider = &work.Remote{
			Generator: n.actions,
			Timeouts:  cfg.Work.RemoteTimeouts(),
			Delay:     cfg.Work.RetryDelay(),
			Validate:  true,
		}
	}
	return consolidate.NewEngine(n.actions, provider,
		consolidate.WithPendingAttempts(cfg.Fleet.PendingAttempts))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	return store.Open(ctx, store.Config{
		Driver:        cfg.Storage.Driver,
		DSN:           cfg.Storage.DSN,
		RedisAddress:  cfg.Storage.Redis.Address,
		RedisPassword: cfg.Storage.Redis.Password,
		RedisDB:       cfg.Storage.Redis.DB,
		RedisPrefix:   cfg.Storage.Redis.Prefix,
	})
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerts.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// buildSinks 组装事件输出，返回的 cleanup 负责释放连接。
func buildSinks(cfg *config.Config) (events.Fanout, func(), error) {
	sinks := events.Fanout{events.LogSink{Logger: logger.Named("events")}}
	var closers []func() error

	if cfg.Events.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		sinks = append(sinks, events.NewRedisSink(client, cfg.Events.Redis.Channel))
		closers = append(closers, client.Close)
	}
	if cfg.Events.RabbitMQ.URL != "" {
		sink, err := events.NewRabbitMQSink(events.RabbitMQConfig{
			URL:   cfg.Events.RabbitMQ.URL,
			Queue: cfg.Events.RabbitMQ.Queue,
		})
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closers = append(closers, sink.Close)
	}
	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.L().Warn("关闭事件输出失败", slog.Any("error", err))
			}
		}
	}
	return sinks, cleanup, nil
}

func serve(ctx context.Context, cfg *config.Config, startFleet bool) error {
	log := logger.Named("nanofleetd")
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	engine := newEngine(cfg, n)

	sinks, closeSinks, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()
	alerts := buildAlerts(cfg)
	ledger := rescue.NewLedger(repo, rescue.WithAlerts(alerts), rescue.WithEvents(sinks))

	health := rpc.NewHealthChecker(n.client, cfg.RPC.HealthInterval(), func(records []rpc.NodeHealthRecord) {
		for _, rec := range records {
			ev := events.New(events.KindNodeHealth, "", rec.Endpoint)
			ev.Status = rec.Status
			if rec.Error != "" {
				ev.Fields = map[string]string{"error": rec.Error}
			}
			_ = sinks.Publish(ctx, ev)
		}
	})

	sup, err := supervisor.New(supervisor.Config{
		Agent: agent.Config{
			WebsocketURL:    n.websocket,
			FailureCooldown: time.Duration(cfg.Fleet.FailureCooldownSeconds) * time.Second,
			MaxJitter:       time.Duration(cfg.Fleet.MaxJitterSeconds) * time.Second,
		},
		StartInterval: time.Duration(cfg.Fleet.StartIntervalMillis) * time.Millisecond,
		FlushInterval: time.Duration(cfg.Fleet.FlushIntervalSeconds) * time.Second,
	}, repo, engine, ledger,
		supervisor.WithEvents(sinks),
		supervisor.WithAlerts(alerts),
		supervisor.WithFactory(func(c agent.Config, reports chan<- agent.Report) (agent.Runner, error) {
			return agent.New(c, n.actions, engine, reports)
		}),
	)
	if err != nil {
		return err
	}
	if err := sup.Load(ctx); err != nil {
		return err
	}
	settings, err := seedSettings(ctx, cfg, repo)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = health.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		if err := sup.Run(runCtx); err != nil {
			log.Error("supervisor 异常退出", slog.Any("error", err))
		}
	}()

	if startFleet && settings.FleetSize > 0 {
		threshold, err := nano.ParseRaw(settings.SweepThresholdRaw)
		if err != nil {
			threshold = new(big.Int)
		}
		if _, err := sup.StartFleet(runCtx, supervisor.FleetOptions{
			Size:          settings.FleetSize,
			AutoSweep:     settings.AutoSweep,
			Threshold:     threshold,
			MasterAddress: settings.MasterAddress,
		}); err != nil {
			log.Error("启动舰队失败", slog.Any("error", err))
		}
	}

	server := api.NewServer(cfg.Server.Address, sup, ledger, repo, health,
		api.WithTokens(cfg.Server.APITokens...))
	err = server.Start(runCtx)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedSettings 在首次启动时把配置文件中的舰队参数写入存储。
func seedSettings(ctx context.Context, cfg *config.Config, repo store.SettingsStore) (store.Settings, error) {
	settings, err := repo.LoadSettings(ctx)
	if err != nil {
		return store.Settings{}, err
	}
	if settings != (store.Settings{}) {
		return settings, nil
	}
	settings = store.Settings{
		MasterAddress:     cfg.Fleet.MasterAddress,
		AutoSweep:         cfg.Fleet.AutoSweep,
		SweepThresholdRaw: cfg.Fleet.SweepThresholdRaw,
		FleetSize:         cfg.Fleet.Size,
	}
	if err := repo.SaveSettings(ctx, settings); err != nil {
		return store.Settings{}, fmt.Errorf("保存初始设置失败: %w", err)
	}
	return settings, nil
}
