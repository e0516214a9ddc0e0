/*
Package main is the entry point of chatd, the foliochat backend.

It loads configuration, initializes the global logger, opens the database (PostgreSQL, or an
in-memory store when DATABASE_URL is "memory"), wires the realtime hub to its broker and the optional
avatar storage, mailer and OAuth providers, then serves HTTP until SIGINT or SIGTERM and shuts down
gracefully.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foliochat/internal/app/broker"
	"foliochat/internal/app/chat"
	"foliochat/internal/app/db"
	"foliochat/internal/app/db/memdb"
	"foliochat/internal/app/mailer"
	"foliochat/internal/app/oauth"
	"foliochat/internal/app/storage"
	"foliochat/internal/configs"
	"foliochat/internal/handler"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/pow"
)

// memoryDSN selects the in-memory store.
const memoryDSN = "memory"

func main() {
	if err := configs.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(logx.Options{Development: cfg.IsDevelopment(), Level: cfg.LogLevel})
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("public_url", cfg.PublicURL).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("pow_difficulty", cfg.PowDifficulty).
		Bool("confirm_signup", cfg.ConfirmSignup).
		Bool("storage_enabled", cfg.StorageEnabled()).
		Bool("redis_enabled", cfg.RedisURL != "").
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	manager := chat.NewManager(store.LatestMessageID, chat.WithTokenRefresher(&handler.SessionRefresher{
		Store:  store,
		Secret: cfg.JWTSecret,
		TTL:    cfg.SessionTTL,
	}, chat.TokenRefreshWindow))

	var fanout broker.Broker = broker.NewLocal(manager.Broadcast)
	if cfg.RedisURL != "" {
		redisBroker, err := broker.NewRedis(ctx, cfg.RedisURL, manager.Broadcast)
		if err != nil {
			logx.Fatal(err, "Failed to connect to Redis")
		}
		fanout = redisBroker
	}

	var objects storage.StorageService
	if cfg.StorageEnabled() {
		objects, err = storage.NewStorageService(ctx, storage.ServiceConfig{
			Bucket:          cfg.S3BucketName,
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			logx.Fatal(err, "Failed to initialize storage service")
		}
	}

	providers := map[string]*oauth.Provider{}
	if cfg.GoogleClientID != "" {
		google := oauth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.PublicURL+"/auth/v1/callback")
		providers[google.Name] = google
	}

	powManager := pow.NewManager(cfg.PowDifficulty)

	deps := &handler.AppDeps{
		Config:  cfg,
		Store:   store,
		Hub:     manager,
		Broker:  fanout,
		Storage: objects,
		Mailer: mailer.New(mailer.Config{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		}),
		PoW:   powManager,
		OAuth: providers,
	}

	router, stopLimiters := handler.Router(deps)

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("chatd starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	manager.Shutdown()
	if err := fanout.Close(); err != nil {
		logx.Error(err, "Failed to close broker")
	}
	stopLimiters()
	powManager.Stop()

	logx.Info("Server gracefully stopped.")
}

// openStore returns the configured store and its close function.
func openStore(ctx context.Context, cfg *configs.AppConfig) (db.Store, func()) {
	if cfg.DatabaseDSN == memoryDSN {
		logx.Warn("Using the in-memory store; data is lost on restart.")
		return memdb.New(), func() {}
	}

	database, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		logx.Fatal(err, "Failed to connect to database")
	}

	return database, database.Close
}
