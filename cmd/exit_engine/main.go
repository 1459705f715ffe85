package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/api"
	"github.com/utrading/utrading-exit-engine/internal/bybit"
	"github.com/utrading/utrading-exit-engine/internal/cleaner"
	"github.com/utrading/utrading-exit-engine/internal/dal"
	"github.com/utrading/utrading-exit-engine/internal/dao"
	"github.com/utrading/utrading-exit-engine/internal/engine"
	"github.com/utrading/utrading-exit-engine/internal/monitor"
	"github.com/utrading/utrading-exit-engine/internal/nats"
	"github.com/utrading/utrading-exit-engine/internal/pricefeed"
	"github.com/utrading/utrading-exit-engine/internal/symbol"
	"github.com/utrading/utrading-exit-engine/pkg/goplus"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
	"github.com/utrading/utrading-exit-engine/pkg/sigproc"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "cfg.toml", "config file path")
	flag.Parse()

	// 加载配置
	if err := config.Init(configFile); err != nil {
		panic(err)
	}
	cfg := config.Get()

	// 初始化日志
	if err := initLogger(cfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Close()

	logger.Info().Msg("exit_engine service starting...")

	// 初始化指标
	monitor.InitMetrics()

	// 初始化数据库
	dal.InitDB(cfg.Storage)
	dal.AutoMigrate()
	dao.InitDAO(dal.DB())

	// 创建数据清理器
	dataCleaner := cleaner.NewCleaner(cfg.Cleaner)
	dataCleaner.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bybit REST 客户端 + 行情源（ws 优先，REST 兜底）
	client := bybit.NewClient(cfg.Bybit)
	feed := pricefeed.NewFeed(cfg.Bybit, client)
	feed.Start(ctx)

	// 交易对服务
	symbols := symbol.NewService(client)

	// 初始化 NATS（endpoint 为空则不启用）
	var publisher *nats.Publisher
	if cfg.NATS.Endpoint != "" {
		var err error
		publisher, err = nats.NewPublisher(cfg.NATS.Endpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("init nats publisher failed")
		}
		defer publisher.Close()
	}

	// 组装引擎
	executor, err := engine.NewExecutor(client, symbols, cfg.Engine.OrderWorkers)
	if err != nil {
		logger.Fatal().Err(err).Msg("init executor failed")
	}
	executor.SetRecorder(dao.TriggerEvent())
	if publisher != nil {
		executor.SetPublisher(publisher)
	}

	store := engine.NewStore(dao.Monitor())
	eng := engine.New(cfg.Engine, store, executor, feed, symbols)

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start engine failed")
	}

	// 控制面 API
	apiServer := api.NewServer(cfg.Engine.APIServerAddr, eng, symbols, feed, client, dao.TriggerEvent())
	if err := apiServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start api server failed")
	}

	// 健康检查服务器
	var pubRef monitor.PublisherRef
	if publisher != nil {
		pubRef = publisher
	}
	healthServer := monitor.NewHealthServer(cfg.Engine.HealthServerAddr, eng, feed, pubRef)
	if err := healthServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start health server failed")
	}

	// 行情流状态定期刷进指标
	goplus.Go(func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				monitor.GetMetrics().SetWebSocketConnected(feed.IsConnected())
			}
		}
	})

	logger.Info().
		Str("reference_symbol", cfg.Engine.ReferenceSymbol).
		Str("api_addr", cfg.Engine.APIServerAddr).
		Str("health_addr", cfg.Engine.HealthServerAddr).
		Int("monitors", eng.MonitorCount()).
		Msg("exit_engine service started successfully")

	// 优雅关闭
	sigproc.GracefulShutdown(func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		// 停止数据清理器
		dataCleaner.Stop()

		// 停止接收新请求
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		apiServer.Stop(shutdownCtx)

		// 停止监控循环
		eng.Stop()

		// 停止行情源
		cancel()
		feed.Close()

		// 关闭健康检查服务器
		healthServer.Stop(shutdownCtx)

		// 关闭配置重载
		config.Stop()

		// 关闭数据库
		dal.CloseDB()

		logger.Info().Msg("exit_engine service stopped")
	})

	<-ctx.Done()
}

func initLogger(cfg *config.Config) error {
	return logger.NewBuilder().
		SetFilename(cfg.Logger.Filename).
		SetMaxSize(cfg.Logger.MaxSize).
		SetMaxBackups(cfg.Logger.MaxBackups).
		SetMaxAge(cfg.Logger.MaxAge).
		SetLevel(cfg.Logger.Level).
		EnableCompression(cfg.Logger.Compress).
		EnableConsoleOutput(cfg.Logger.Console).
		Build()
}
