package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/config"
	"github.com/Bldg-7/webmommi/internal/relay"
	"github.com/Bldg-7/webmommi/internal/storage"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./webmommi.config.json", "path to webmommi config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
		zap.Bool("commloop", cfg.HasCommloop()),
	)

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database migrations complete", zap.String("path", cfg.Database.Path))

	relay.InitMetrics()

	var relayer relay.Relayer
	if dest, err := cfg.Destination(); err == nil {
		relayer = commloop.NewRelayer(dest, cfg.Commloop.Client(), logger.Named("commloop"))
		logger.Info("commloop relay configured", zap.String("address", dest.Address))
	} else {
		logger.Warn("commloop not configured; relay routes are disabled")
	}

	srv, err := relay.NewServer(cfg, db, relayer, logger)
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if cfg.Discord.BotToken != "" && srv.Dispatcher() != nil {
		bot, botErr := relay.NewDiscordBot(cfg.Discord, srv.Dispatcher(), srv.AuditLogger(), logger.Named("discord"))
		if botErr != nil {
			logger.Error("failed to create discord bot", zap.Error(botErr))
		} else {
			srv.SetDiscordBot(bot)
			logger.Info("discord bot configured")
		}
	}

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("webmommi exited cleanly")
}
