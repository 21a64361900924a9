package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chickmaster/server/internal/api"
	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/config"
	"chickmaster/server/internal/gamestate"
	"chickmaster/server/internal/logging"
	"chickmaster/server/internal/orchestrator"
	"chickmaster/server/internal/script"
	"chickmaster/server/internal/session"
	"chickmaster/server/internal/timeline"
)

// defaultSurface 是轮询到的游戏状态投递的画面。
const defaultSurface = "default"

func main() {
	// 参数用 flag，部署相关的覆盖项走环境变量（见 config.Load）。
	configPath := flag.String("config", "server/configs/chickmaster.yaml", "config file path")
	addr := flag.String("addr", "", "http listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chars := catalog.New()
	var remote script.RemoteSource
	if cfg.Backend.BaseURL != "" {
		remote = script.NewHTTPSource(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout)
	}
	scripts := script.New(chars, remote, logger)

	if remote != nil && cfg.Backend.LoadCatalog {
		loadCtx, cancel := context.WithTimeout(ctx, cfg.Backend.RequestTimeout)
		if err := scripts.LoadCatalog(loadCtx); err != nil {
			logger.Warn("character catalog unavailable, using fallback", zap.Error(err))
		}
		cancel()
	}

	if cfg.Paths.Characters != "" {
		n, err := chars.LoadFile(cfg.Paths.Characters)
		if err != nil {
			logger.Fatal("load characters", zap.String("path", cfg.Paths.Characters), zap.Error(err))
		}
		logger.Info("characters loaded", zap.Int("count", n))
	}
	if cfg.Paths.Scripts != "" {
		bundle, err := catalog.LoadBundleFile(cfg.Paths.Scripts)
		if err != nil {
			logger.Fatal("load scripts", zap.String("path", cfg.Paths.Scripts), zap.Error(err))
		}
		for _, key := range bundle.ScriptKeys() {
			if err := scripts.RegisterCustomScript(key, bundle.Scripts[key]); err != nil {
				logger.Fatal("register script", zap.String("key", key), zap.Error(err))
			}
		}
		logger.Info("custom scripts loaded", zap.Int("count", len(bundle.Scripts)))
	}

	registry := session.NewRegistry(*cfg, orchestrator.Deps{
		Scripts:    scripts,
		Characters: chars,
		Timeline:   timeline.NewInMemoryStore(0),
		Logger:     logger,
	})

	if cfg.Backend.BaseURL != "" && cfg.Backend.PollInterval > 0 {
		stage, err := registry.GetOrCreate(ctx, defaultSurface)
		if err != nil {
			logger.Fatal("create default surface", zap.Error(err))
		}
		poller := gamestate.NewPoller(cfg.Backend.BaseURL, cfg.Backend.PollInterval, cfg.Backend.RequestTimeout,
			func(snap gamestate.Snapshot) {
				if _, err := stage.OnSnapshot(ctx, snap); err != nil {
					logger.Warn("evaluate snapshot", zap.Error(err))
				}
			}, logger)
		go poller.Run(ctx)
	}

	listen := cfg.Server.Addr()
	if *addr != "" {
		listen = *addr
	}
	server := api.NewServer(cfg, registry, scripts, chars, logger)
	httpServer := &http.Server{
		Addr:         listen,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("chickmaster server listening", zap.String("addr", listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := registry.Close(); err != nil {
		logger.Warn("close surfaces", zap.Error(err))
	}
}
