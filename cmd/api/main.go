package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"txindexer/internal/api"
	"txindexer/internal/config"
	"txindexer/internal/indexer"
	"txindexer/internal/logging"
	"txindexer/internal/shutdown"
)

var (
	configPath = flag.String("config", "", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口（默认取配置）")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建日志失败: %v\n", err)
		os.Exit(1)
	}

	rt, err := indexer.Build(cfg, indexer.Options{}, logger)
	if err != nil {
		logger.Fatalf("初始化索引器失败: %v", err)
	}

	// 创建API服务器，运行历史未启用时 history 为 nil
	var history api.History
	if rt.Progress != nil {
		history = rt.Progress
	}
	server := api.NewServer(cfg, rt.Indexer, history, logger).WithStats(rt.GetStats)

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.Register("api", server.Stop, shutdown.OrderStopAcceptingRequests)
	gs.Register("runtime", func(ctx context.Context) error {
		return rt.Close()
	}, shutdown.OrderSaveState)
	gs.Start()

	// 启动服务器
	go func() {
		if err := server.Start(cfg.API.Host, cfg.API.Port); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			gs.Shutdown()
		}
	}()

	// 等待中断信号
	<-gs.Done()
	logger.Info("服务器已关闭")
	if logCloser != nil {
		_ = logCloser.Close()
	}
}
