package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/backend"
	redisCache "github.com/aniladanir/messenger-gateway/internal/cache/redis"
	"github.com/aniladanir/messenger-gateway/internal/clock"
	"github.com/aniladanir/messenger-gateway/internal/domain"
	httpHandler "github.com/aniladanir/messenger-gateway/internal/handler/http"
	"github.com/aniladanir/messenger-gateway/internal/persistant/postgresql"
	"github.com/aniladanir/messenger-gateway/internal/registry"
	accountRepo "github.com/aniladanir/messenger-gateway/internal/repository/account"
	"github.com/aniladanir/messenger-gateway/internal/router"
	"github.com/aniladanir/messenger-gateway/internal/session"
	"github.com/aniladanir/messenger-gateway/internal/webhook"
	"gorm.io/gorm"
)

var (
	configFile = flag.String("config", "config.yaml", "config file path")
)

func main() {
	// create root context
	appCtx, appCtxCancel := context.WithCancel(context.Background())
	defer appCtxCancel()

	// listen for terminate signal
	notifyCtx, stop := signal.NotifyContext(appCtx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// parse flags
	flag.Parse()

	// parse config
	config, err := ReadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to read config file: %v", err)
	}

	// setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(config.LogLevel),
	}))
	slog.SetDefault(logger)

	// initialize external dependencies
	db, rClient, err := initExternalDependencies(notifyCtx, config)
	if err != nil {
		log.Fatalf("failed to initialize external dependencies: %v", err)
	}

	sysClock := clock.System()

	// init account repository
	repo := accountRepo.NewAccountRepository(db, rClient)

	// init backend registry and populate it from config
	reg := registry.New(logger.With(slog.String("component", "registry")))
	for _, b := range config.Backends {
		reg.Register(domain.Backend{
			ID:             b.ID,
			BaseURL:        b.BaseURL,
			CapacityWeight: b.Weight,
		})
	}

	// init backend control client
	backendClient := backend.NewHTTPClient(config.CommandTimeout, config.SendTimeout)

	// init webhook dispatcher
	dispatcher, err := webhook.NewDispatcher(webhook.Config{
		MaxAttempts:    config.WebhookMaxAttempts,
		BaseDelay:      config.WebhookBaseDelay,
		AttemptTimeout: config.WebhookTimeout,
		Workers:        config.WebhookWorkers,
		QueueSize:      config.WebhookQueueSize,
	}, sysClock, logger.With(slog.String("component", "webhookDispatcher")))
	if err != nil {
		log.Fatalf("failed to initiate webhook dispatcher: %v", err)
	}

	// init session manager and wire it as the registry observer
	sessionMgr := session.NewManager(reg, backendClient, dispatcher, repo, sysClock,
		logger.With(slog.String("component", "sessionManager")),
		session.Config{
			GraceWindow:        config.GraceWindow,
			ReconnectBaseDelay: config.ReconnectBaseDelay,
			ReconnectMaxDelay:  config.ReconnectMaxDelay,
			ReconnectBudget:    config.ReconnectBudget,
			CommandTimeout:     config.CommandTimeout,
		})
	reg.SetObserver(sessionMgr)

	// init health prober
	prober := registry.NewProber(reg, backendClient, repo, config.HealthCheckInterval,
		sysClock, logger.With(slog.String("component", "healthProber")))

	// init delivery router
	deliveryRouter := router.New(sessionMgr, reg, backendClient, dispatcher, repo,
		sysClock, logger.With(slog.String("component", "deliveryRouter")), config.SendTimeout)

	// init http handler
	httpHandler := httpHandler.NewHttpHandler(
		fmt.Sprintf(":%d", config.HttpPort),
		sessionMgr,
		deliveryRouter,
		reg,
		dispatcher,
	)

	// resume persisted accounts and start probing
	if err := sessionMgr.Restore(notifyCtx); err != nil {
		logger.Error("failed to restore persisted accounts", "error", err.Error())
	}
	if err := prober.Start(); err != nil {
		log.Fatalf("failed to start health prober: %v", err)
	}

	wg := sync.WaitGroup{}
	// run http handler
	wg.Go(func() {
		if err := httpHandler.Run(); err != nil {
			logger.Error("http server encountered with an error and closed", "error", err.Error())
		}
		// cancel app context if http handler fails
		appCtxCancel()
	})

	// graceful shutdown
	wg.Go(func() {
		<-notifyCtx.Done()
		logger.Info("application shutting down...")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		httpHandler.Shutdown(shutDownCtx)
		prober.Stop()
		sessionMgr.Shutdown(shutDownCtx)
		dispatcher.Close()
		postgresql.Close(db)
	})

	wg.Wait()
	os.Exit(0)
}

func initExternalDependencies(ctx context.Context, config *Config) (db *gorm.DB, rCache *redisCache.RedisCache, err error) {
	// initialize database
	db, err = postgresql.Initialize(config.DbConnString, []any{&domain.Account{}, &domain.Backend{}})
	if err != nil {
		return
	}

	// initialize cache
	rCache, err = redisCache.NewRedisCache(ctx, config.RedisAddr)

	return
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
