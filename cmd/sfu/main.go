package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/adityaadpandey/huddle/internals/sfu"
	"github.com/adityaadpandey/huddle/internals/utils"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	// Environment first, flags override
	cfg := config.LoadConfig()

	flag.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "listen address")
	flag.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "listen port")
	flag.StringVar(&cfg.Engine.AnnouncedIP, "announced-ip", cfg.Engine.AnnouncedIP, "IP advertised in ICE candidates")
	flag.IntVar(&cfg.Engine.NumWorkers, "workers", cfg.Engine.NumWorkers, "number of media workers")
	flag.BoolVar(&cfg.Server.JoinCreatesRoom, "join-creates-room", cfg.Server.JoinCreatesRoom, "create unknown rooms on join")
	flag.BoolVar(&cfg.Redis.Enabled, "redis", cfg.Redis.Enabled, "share room ownership through Redis")
	flag.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level")
	flag.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format: json or console")
	flag.Parse()

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	defer logger.Sync()
	logger.Info("Starting huddle SFU")

	sfuServer, err := sfu.NewSFU(cfg)
	if err != nil {
		logger.Fatal("Failed to create SFU server", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := sfuServer.Start(); err != nil {
			logger.Fatal("Failed to start SFU server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	sfuServer.Stop()
	logger.Info("SFU server stopped")
}
