package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"liuproxy_broker/internal/app"
	"liuproxy_broker/internal/shared/config"
	"liuproxy_broker/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "broker.ini")

	// 1. 加载 .ini 启动配置
	cfg := config.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. 创建并运行 broker
	appServer, err := app.New(ctx, cfg, iniPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create broker")
	}
	appServer.Run(ctx)
}
