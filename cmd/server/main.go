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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"crm_chat/internal/blob"
	"crm_chat/internal/config"
	"crm_chat/internal/handler"
	"crm_chat/internal/middleware"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	"crm_chat/internal/service"
	"crm_chat/pkg/jwt"
	"crm_chat/pkg/logger"
)

func main() {
	root := &cobra.Command{
		Use:           "crm-chat",
		Short:         "CRM real-time messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg, logger.New(cfg.Log.Level))
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			appLogger := logger.New(cfg.Log.Level)

			db, closeDB, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			return repository.Migrate(cmd.Context(), db, appLogger)
		},
	}
}

// newTokenCmd signs an access token for local development, where no identity
// service is running.
func newTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			id := uuid.New()
			if userID != "" {
				if id, err = uuid.Parse(userID); err != nil {
					return fmt.Errorf("invalid --user-id: %w", err)
				}
			}
			token, err := jwt.GenerateAccessToken(id, email, name, cfg.JWT.Secret, cfg.JWT.Issuer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id (random when empty)")
	cmd.Flags().StringVar(&email, "email", "dev@crm.local", "user email")
	cmd.Flags().StringVar(&name, "name", "Developer", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serve(cfg *config.Config, appLogger logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	appLogger.Info("Database connection established", "driver", cfg.Database.Driver)

	if err := repository.Migrate(ctx, db, appLogger); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	appLogger.Info("Redis connection established")

	store, err := blob.NewLocalStore(cfg.Blob.Dir, cfg.Blob.PublicURL, cfg.Blob.MaxUploadSize, cfg.Blob.ThumbnailSize, appLogger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(cfg.Chat.EventBuffer, appLogger)
	bridge := realtime.NewRedisBridge(rdb, hub, appLogger)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			appLogger.Error("Realtime bridge stopped", "error", err)
		}
	}()

	repos := repository.NewRepositories(db, rdb, appLogger)
	services := service.NewServices(repos, store, bridge, cfg, appLogger)

	checks := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error { return db.SQL().PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	handlers := handler.NewHandlers(services, checks, cfg, appLogger)
	router := handler.NewRouter(
		handlers,
		middleware.NewAuthMiddleware(cfg.JWT.Secret, cfg.JWT.Issuer, services.Directory, appLogger),
		middleware.NewRateLimitMiddleware(services.RateLimit, appLogger),
		cfg,
		appLogger,
	)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	appLogger.Info("Server exited")
	return nil
}

// openDatabase connects to Postgres through a pgx pool, or opens the SQLite file.
func openDatabase(ctx context.Context, cfg *config.Config) (*repository.DB, func(), error) {
	if cfg.Database.Driver == repository.DialectSQLite {
		db, err := repository.OpenSQLite(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := repository.NewDB(stdlib.OpenDBFromPool(pool), repository.DialectPostgres)
	return db, func() {
		_ = db.Close()
		pool.Close()
	}, nil
}
