package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/chat"
	"github.com/Tyrowin/pairchat/internal/config"
	"github.com/Tyrowin/pairchat/internal/delivery"
	"github.com/Tyrowin/pairchat/internal/fanout"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
	"github.com/Tyrowin/pairchat/internal/server"
	"github.com/Tyrowin/pairchat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server stopped with error", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	log.Info("Starting pairchat server...", "port", cfg.Port, "origins", cfg.AllowedOrigins)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	reg := registry.New(log)
	resolver := chat.NewResolver(db, log)
	ledger := chat.NewLedger(db, log)
	local := fanout.NewLocal(reg, cfg.PushTimeout, log)

	var dispatcher fanout.Dispatcher = local
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		bus, err := fanout.NewRedis(rdb, cfg.RedisChannel, local, log)
		if err != nil {
			return err
		}
		if err := bus.Start(ctx); err != nil {
			return err
		}
		defer bus.Close()
		dispatcher = bus
		log.Info("Cross-instance delivery enabled", "redis", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	coordinator := delivery.NewCoordinator(resolver, ledger, reg, dispatcher, log)
	authn := auth.NewAuthenticator(cfg.JWTSecret, db)
	origins := server.NewOriginPolicy(cfg.AllowedOrigins, log)
	hub := server.NewHub(coordinator, server.ClientConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
	}, log)

	if strings.EqualFold(cfg.LogMode, "production") || strings.EqualFold(cfg.LogMode, "prod") {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := server.NewHandlers(server.HandlersConfig{
		Store:         db,
		Resolver:      resolver,
		Ledger:        ledger,
		Coordinator:   coordinator,
		Registry:      reg,
		Hub:           hub,
		Authenticator: authn,
		Origins:       origins,
		Log:           log,
	})
	router := server.SetupRoutes(server.RouterConfig{
		Handlers:      handlers,
		Authenticator: authn,
		Origins:       origins,
		Log:           log,
	})

	httpServer := server.CreateServer(cfg.Port, router)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("Hub shutdown incomplete", "error", err)
	}
	log.Info("Server stopped")
	return nil
}
