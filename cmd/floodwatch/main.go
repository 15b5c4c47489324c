package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/floodwatch/internal/config"
	"github.com/HerbHall/floodwatch/internal/event"
	"github.com/HerbHall/floodwatch/internal/flood"
	"github.com/HerbHall/floodwatch/internal/mqtt"
	"github.com/HerbHall/floodwatch/internal/registry"
	"github.com/HerbHall/floodwatch/internal/server"
	"github.com/HerbHall/floodwatch/internal/store"
	"github.com/HerbHall/floodwatch/internal/version"
	"github.com/HerbHall/floodwatch/internal/webhook"
	"github.com/HerbHall/floodwatch/internal/ws"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag parsing).
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			args = args[1:]
		case "analyze":
			os.Exit(runAnalyze(args[1:]))
		case "simulate":
			os.Exit(runSimulate(args[1:]))
		case "version":
			fmt.Println(version.Info())
			return
		}
	}
	os.Exit(runServe(args))
}

func runServe(args []string) int {
	fs := newFlagSet("serve")
	configPath := fs.String("config", "", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(version.Info())
		return 0
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("floodwatch server starting", zap.String("version", version.Short()))
	logConfigSource(logger, viperCfg.ConfigFileUsed())

	srvCfg, err := server.ConfigFrom(viperCfg)
	if err != nil {
		logger.Error("invalid server configuration", zap.Error(err))
		return 1
	}

	// Open database
	dbPath := viperCfg.GetString("database.path")
	if dbPath == "" {
		dbPath = "floodwatch.db"
	}
	db, err := store.New(dbPath)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Error("database version check failed", zap.Error(err))
		return 1
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))

	// Register all plugins (compile-time composition)
	modules := []plugin.Plugin{
		flood.New(),
		webhook.New(),
		mqtt.New(),
	}
	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			logger.Error("failed to register plugin", zap.Error(err))
			return 1
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Error("plugin validation failed", zap.Error(err))
		return 1
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		logger.Error("failed to initialize plugins", zap.Error(err))
		return 1
	}
	if err := reg.StartAll(ctx); err != nil {
		logger.Error("failed to start plugins", zap.Error(err))
		return 1
	}

	// WebSocket handler for live tick streams
	wsHandler := ws.NewHandler(bus, logger.Named("ws"), viperCfg.GetInt("plugins.ws.max_clients"))

	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.Ping(ctx)
	})
	srv := server.New(srvCfg, reg, logger, readyCheck, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("floodwatch server ready", zap.String("addr", srvCfg.Addr()))

	// Wait for shutdown signal or a listener failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			exit = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)
	bus.Wait()

	logger.Info("floodwatch server stopped")
	return exit
}

func logConfigSource(logger *zap.Logger, file string) {
	if file != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", file),
		)
		return
	}
	logger.Warn("no configuration file found, using defaults",
		zap.String("component", "config"),
	)
}
