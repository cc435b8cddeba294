package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"brightlens/pkg/config"
	"brightlens/pkg/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/brightlens.yaml)")
	logLevel   = flag.String("log-level", "", "日志级别 (debug, info, warn, error)，覆盖配置文件")
	logFormat  = flag.String("log-format", "", "日志格式 (json or text)，覆盖配置文件")
	port       = flag.String("port", "", "监听端口，覆盖配置文件")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitFromEnv()
		logger.GetLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// 命令行参数优先
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}
	if *logFormat != "" {
		cfg.Logger.Format = *logFormat
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger.Init(cfg.Logger)
	log := logger.WithComponent("main")

	gin.SetMode(cfg.Server.Mode)

	ctx := context.Background()
	app, err := NewApp(ctx, cfg, nil)
	if err != nil {
		log.WithError(err).Fatal("Failed to create brightlens")
	}
	defer app.Close()

	if err := app.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start brightlens")
	}
	log.WithFields(logrus.Fields{
		"origin":  cfg.Origin.URL,
		"version": cfg.Worker.Version,
		"storage": cfg.Storage.Backend,
	}).Info("brightlens started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down brightlens...")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	app.Stop(shutdownCtx)
}
