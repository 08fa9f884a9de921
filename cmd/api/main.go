package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/internal/api/routes"
	"github.com/gocomet/ride-dispatch/internal/config"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/realtime"
	"github.com/gocomet/ride-dispatch/internal/repository/memory"
	"github.com/gocomet/ride-dispatch/internal/repository/postgres"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/cache"
	"github.com/gocomet/ride-dispatch/pkg/database"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
	"github.com/gocomet/ride-dispatch/pkg/pubsub"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
	"github.com/redis/go-redis/v9"
)

const statsInterval = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ride dispatch service",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("bus", cfg.Bus.Driver),
		logger.String("store", cfg.Store.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
		LogLevel:   cfg.NewRelic.LogLevel,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp = monitoring.Disabled()
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized successfully",
			logger.String("app_name", cfg.NewRelic.AppName),
			logger.Bool("enabled", true))
	} else {
		appLogger.Info("New Relic APM disabled")
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Redis: publish side also serves surge lookups; subscribe side is
	// dedicated to the bus.
	redisCfg := cache.Config{
		Host:            cfg.Redis.Host,
		Port:            cfg.Redis.Port,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConn:     cfg.Redis.MinIdleConn,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
	}
	redisPub := cache.NewClient(redisCfg)
	defer cache.Close(redisPub)

	if err := cache.Ping(ctx, redisPub); err != nil {
		appLogger.Warn("Redis unreachable, continuing degraded", logger.Err(err))
	} else {
		appLogger.Info("Connected to Redis successfully")
	}

	bus := newBus(ctx, cfg, redisCfg, redisPub, appLogger)
	defer bus.Close()

	rides, drivers, closeStore := newStore(ctx, cfg, appLogger)
	defer closeStore()

	// Realtime gateway
	hub := websocket.NewHub(appLogger)
	gateway := realtime.NewGateway(hub, bus, appLogger,
		realtime.WithMetrics(nrApp),
		realtime.WithAvailability(driverAvailability(drivers)),
	)
	go func() {
		if err := gateway.Run(ctx); err != nil {
			appLogger.Error("Realtime gateway stopped", logger.Err(err))
		}
	}()

	pricingService := pricing.NewService(redisPub, pricingConfig(cfg.Pricing))
	rideService := lifecycle.NewService(rides, pricingService, gateway, appLogger, lifecycle.WithMetrics(nrApp))

	if cfg.Pricing.SurgeRefreshInterval > 0 {
		surge := pricing.NewSurgeUpdater(pricingService, rides, drivers, appLogger, cfg.Pricing.SurgeRefreshInterval)
		go surge.Run(ctx)
	}

	h := handlers.NewHandlers(rideService, drivers, gateway, appLogger, handlers.WebSocketOptions{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	})

	var verifier *auth.Verifier
	if cfg.JWT.Secret != "" {
		verifier = auth.NewVerifier(cfg.JWT.Secret)
	} else {
		appLogger.Warn("JWT_SECRET not set, trusting identity headers")
	}

	// Initialize Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	routes.SetupRoutes(router, h, verifier, nrApp.Application)

	appLogger.Info("Routes configured successfully")

	go reportStats(ctx, nrApp, gateway, redisPub)

	// Create HTTP server
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}
	cancel()

	appLogger.Info("Server stopped gracefully")
}

func newBus(ctx context.Context, cfg *config.Config, redisCfg cache.Config, pub *redis.Client, log *logger.Logger) pubsub.Bus {
	switch cfg.Bus.Driver {
	case config.BusAMQP:
		bus, err := pubsub.NewAMQPBus(ctx, pubsub.AMQPConfig{
			URL:             cfg.Bus.RabbitMQURL,
			Exchange:        cfg.Bus.Exchange,
			ConnectTimeout:  cfg.Redis.DialTimeout,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: cfg.Redis.MinRetryBackoff,
			MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
			PublishTimeout:  cfg.Bus.PublishTimeout,
		}, log)
		if err != nil {
			log.Error("RabbitMQ unreachable, events stay on this instance", logger.Err(err))
			return pubsub.NewMemoryBus()
		}
		log.Info("Connected to RabbitMQ", logger.String("exchange", cfg.Bus.Exchange))
		return bus
	case config.BusMemory:
		return pubsub.NewMemoryBus()
	}

	sub := cache.NewClient(redisCfg)
	return &ownedRedisBus{
		RedisBus: pubsub.NewRedisBus(pub, sub, pubsub.WithPublishTimeout(cfg.Bus.PublishTimeout)),
		sub:      sub,
	}
}

// ownedRedisBus also closes the subscribe client it was built with.
type ownedRedisBus struct {
	*pubsub.RedisBus
	sub *redis.Client
}

func (b *ownedRedisBus) Close() error {
	err := b.RedisBus.Close()
	if cerr := cache.Close(b.sub); err == nil {
		err = cerr
	}
	return err
}

func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (ride.Repository, driver.Repository, func()) {
	if cfg.Store.Driver == config.StoreMemory {
		store := memory.NewStore()
		log.Warn("Using in-memory ride store")
		return store, store.Drivers(), func() {}
	}

	db, err := database.NewPostgresDB(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		DBName:      cfg.Database.Name,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConnections,
		MaxIdle:     cfg.Database.MaxIdleConns,
		MaxLifetime: cfg.Database.MaxLifetime,
	})
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
	}
	log.Info("Connected to PostgreSQL successfully")

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("Failed to migrate database", logger.Err(err))
		}
	}

	return postgres.NewRideRepository(db), postgres.NewDriverRepository(db), closeDB(db, log)
}

func closeDB(db *sql.DB, log *logger.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close database", logger.Err(err))
		}
	}
}

func pricingConfig(p config.PricingConfig) pricing.Config {
	return pricing.Config{
		BaseFare: map[driver.VehicleType]float64{
			driver.VehicleEconomy: float64(p.BaseFare.Economy),
			driver.VehiclePremium: float64(p.BaseFare.Premium),
			driver.VehicleLuxury:  float64(p.BaseFare.Luxury),
		},
		PerKMRate: map[driver.VehicleType]float64{
			driver.VehicleEconomy: float64(p.PerKMRate.Economy),
			driver.VehiclePremium: float64(p.PerKMRate.Premium),
			driver.VehicleLuxury:  float64(p.PerKMRate.Luxury),
		},
		PerMinuteRate: map[driver.VehicleType]float64{
			driver.VehicleEconomy: float64(p.PerMinuteRate.Economy),
			driver.VehiclePremium: float64(p.PerMinuteRate.Premium),
			driver.VehicleLuxury:  float64(p.PerMinuteRate.Luxury),
		},
		MaxSurgeMultiplier: p.MaxSurgeMultiplier,
		MinSurgeMultiplier: p.MinSurgeMultiplier,
		AverageSpeedKMH:    p.AverageSpeedKMH,
		SurgeTTL:           p.SurgeTTL,
	}
}

// driverAvailability treats drivers dispatch has never seen as online, and
// lookup failures too, so a degraded store does not hide drivers.
func driverAvailability(drivers driver.Repository) realtime.AvailabilityFunc {
	return func(ctx context.Context, driverID string) bool {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		d, err := drivers.GetByID(ctx, driverID)
		if err != nil {
			return true
		}
		return d.Status != driver.StatusOffline
	}
}

// reportStats pushes connection and Redis pool gauges until ctx is done.
func reportStats(ctx context.Context, nrApp *monitoring.NewRelicApp, gateway *realtime.Gateway, redisClient *redis.Client) {
	if !nrApp.IsEnabled() {
		return
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nrApp.RecordConnections(gateway.Stats().Connections)
			nrApp.RecordRedisPoolStats(cache.GetClientStats(redisClient))
		}
	}
}
