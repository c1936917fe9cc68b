package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopfloor-telemetry/internal/accumulator"
	"shopfloor-telemetry/internal/broadcast"
	"shopfloor-telemetry/internal/config"
	"shopfloor-telemetry/internal/history"
	httpapi "shopfloor-telemetry/internal/http"
	"shopfloor-telemetry/internal/logger"
	"shopfloor-telemetry/internal/metrics"
	"shopfloor-telemetry/internal/repository"
	"shopfloor-telemetry/internal/resilience"
	"shopfloor-telemetry/internal/service"
	"shopfloor-telemetry/internal/shift"

	"go.uber.org/zap"
)

const serviceName = "shopfloor-telemetry"

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting shopfloor-telemetry service")

	m := metrics.NewMetrics()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Threshold: cfg.Resilience.BreakerThreshold,
		Window:    cfg.Resilience.BreakerWindow,
		Cooldown:  cfg.Resilience.BreakerCooldown,
	}, log, resilience.WithStateHook(func(s resilience.State) {
		m.SetBreakerOpen(s == resilience.Open)
	}))
	faults := resilience.NewFaultHandler(log, breaker, cfg.Resilience.ExitOnFault, cfg.Resilience.ExitDelay)

	// 数据库
	db, err := resilience.OpenPostgres(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := repository.Migrate(context.Background(), db, cfg.Database.CollaboratorTables); err != nil {
			log.Fatal("Failed to migrate schema", zap.Error(err))
		}
	}

	// Redis（缓存 + 广播）
	rdb := resilience.NewRedisClient(&cfg.Redis)
	defer rdb.Close()
	if err := resilience.PingRedis(context.Background(), rdb); err != nil {
		log.Warn("Redis not reachable at startup, cache falls back to memory", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cache := resilience.NewCache(resilience.NewRedisKVStore(rdb), log, resilience.WithFallbackHook(m.CacheFallback))

	bc := broadcast.NewBroadcaster(log, broadcast.BuildTransports(cfg, rdb, log), broadcast.WithFailureHook(m.BroadcastFailure))
	defer bc.Close()

	rotation, err := shift.NewFromConfig(cfg.Shift)
	if err != nil {
		log.Fatal("Invalid shift configuration", zap.Error(err))
	}

	machines := repository.NewMachineRepository(db, log)
	teams := repository.NewTeamRepository(db, log)
	records := repository.NewProductionRepository(db, log)
	rates := repository.NewRateLogRepository(db, log)
	statuses := repository.NewStatusLogRepository(db, log)

	acc := accumulator.New(accumulator.Deps{
		Machines: machines,
		Teams:    teams,
		Records:  records,
		Rates:    rates,
		Windows:  rotation,
		Events:   bc,
		Cache:    cache,
		Breaker:  breaker,
		Faults:   faults,
		Metrics:  m,
	}, accumulator.OptionsFromConfig(cfg.Accumulator, cfg.Cache), log)

	svc := service.NewProductionService(service.Deps{
		Machines: machines,
		Teams:    teams,
		Records:  records,
		History:  history.NewReconstructor(machines, statuses, records, log),
		Calendar: rotation,
		Events:   bc,
		Cache:    cache,
		Breaker:  breaker,
		Metrics:  m,
		DB:       db,
	}, cfg.Cache, log)

	router := httpapi.NewRouter(httpapi.NewProductionHandler(svc, log), breaker, faults, m, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	acc.Start(ctx)

	errChan := make(chan error, 1)
	faults.Go("http-server", func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	})

	// 等待信号或错误
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		log.Error("HTTP server error", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping HTTP server", zap.Error(err))
	}
	acc.Stop()

	log.Info("Service stopped")
}
