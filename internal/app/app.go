// Package app boots the gateway server: configuration, database, quota,
// provider client, and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/astralis-ai/astralis/internal/config"
	"github.com/astralis-ai/astralis/internal/db"
	"github.com/astralis-ai/astralis/internal/gateway"
	adminapi "github.com/astralis-ai/astralis/internal/http/api/admin"
	"github.com/astralis-ai/astralis/internal/http/api/front"
	"github.com/astralis-ai/astralis/internal/provider"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/astralis-ai/astralis/internal/ratelimit"
	"github.com/astralis-ai/astralis/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the API server with database-backed components and blocks
// until the context is canceled or the listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	engine := buildEngine(conn, configPath)

	if port <= 0 {
		port = 8318
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": server.Addr, "config": configPath}).Info("starting gateway server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return fmt.Errorf("app: shutdown: %w", errShutdown)
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildEngine assembles the gin engine with all routes wired.
func buildEngine(conn *gorm.DB, configPath string) *gin.Engine {
	loc := config.LoadQuotaLocation(configPath)
	quotaMgr := quota.NewManager(conn, loc, nil)
	ledger := usage.NewLedger(conn)

	providerCfg, errProvider := config.LoadProviderConfig(configPath)
	if errProvider != nil {
		log.WithError(errProvider).Warn("app: provider config load failed, using defaults")
	}
	client := provider.NewClient(provider.Config{
		BaseURL:    providerCfg.BaseURL,
		APIKey:     providerCfg.APIKey,
		Timeout:    providerCfg.Timeout,
		MaxRetries: providerCfg.MaxRetries,
	})

	gw := gateway.New(quotaMgr, ledger, gateway.NewModelClient(client), nil)

	limiter := ratelimit.NewManager(func() ratelimit.SettingsConfig {
		rlCfg := config.LoadRateLimitConfig(configPath)
		return ratelimit.SettingsConfig{
			RedisEnabled:  rlCfg.RedisEnabled,
			RedisAddr:     rlCfg.RedisAddr,
			RedisPassword: rlCfg.RedisPassword,
			RedisDB:       rlCfg.RedisDB,
			RedisPrefix:   rlCfg.RedisPrefix,
		}
	}, nil, nil)

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		sqlDB, errDB := conn.DB()
		if errDB != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	front.RegisterFrontRoutes(engine, conn, gw, quotaMgr, limiter)
	adminapi.RegisterAdminRoutes(engine, quotaMgr)
	return engine
}
