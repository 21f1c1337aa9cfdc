package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/config"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/database"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/server"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/summary"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "summary-api",
		Short: "Course summary navigation backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newSweepLocksCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file (defaults to .env when present)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("lock-expiry-seconds", defaults.GetInt("lock.expiry_seconds"), "Seconds before an idle edit lock may be taken over")
	cmd.PersistentFlags().String("lock-sweep-schedule", defaults.GetString("lock.sweep_schedule"), "Cron schedule for stale lock sweeping (empty disables)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("cache.redis_url"), "Redis URL for the course structure cache")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "lock.expiry_seconds", "lock-expiry-seconds")
	bindFlag(cmd, "lock.sweep_schedule", "lock-sweep-schedule")
	bindFlag(cmd, "cache.redis_url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFile(envFile, envFile != ""); err != nil {
		return err
	}
	return config.ReadConfigFile(viper.GetViper(), cfgFile)
}

func newTokenCommand() *cobra.Command {
	var (
		identity auth.SessionIdentity
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				CookieName:    appConfig.SessionCookieName,
			}, ttl)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User identifier")
	cmd.Flags().StringVar(&identity.DisplayName, "display-name", "", "Display name")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email address")
	cmd.Flags().StringSliceVar(&identity.Roles, "role", []string{string(auth.RoleEditingTeacher)}, "Course roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newSweepLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-locks",
		Short: "Delete edit locks whose heartbeat has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, store, err := openStore(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(db, logger)

			manager, err := newLockManager(appConfig, store, logger)
			if err != nil {
				return err
			}
			removed, err := manager.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired locks\n", removed)
			return nil
		},
	}
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, *sections.GormStore, error) {
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := sections.NewGormStore(sections.GormStoreConfig{Database: db, Clock: time.Now})
	if err != nil {
		closeDatabase(db, logger)
		return nil, nil, err
	}
	return db, store, nil
}

func newLockManager(appConfig config.AppConfig, store sections.Store, logger *zap.Logger) (*locks.Manager, error) {
	return locks.NewManager(locks.ManagerConfig{
		Store:      store,
		Clock:      time.Now,
		Expiry:     appConfig.LockExpiry,
		IDProvider: locks.NewUUIDProvider(),
		Logger:     logger,
	})
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

func newCourseCache(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (summary.Cache, func()) {
	if appConfig.RedisURL == "" {
		return cache.NoopCache{}, func() {}
	}
	redisCache, err := cache.NewRedisCache(ctx, appConfig.RedisURL, appConfig.CacheTTL)
	if err != nil {
		logger.Warn("redis cache unavailable, continuing without course structure cache", zap.Error(err))
		return cache.NoopCache{}, func() {}
	}
	return redisCache, func() {
		if err := redisCache.Close(); err != nil {
			logger.Warn("redis cache close failed", zap.Error(err))
		}
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	lockManager, err := newLockManager(appConfig, store, logger)
	if err != nil {
		return err
	}

	courseCache, closeCache := newCourseCache(ctx, appConfig, logger)
	defer closeCache()

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	summaryService, err := summary.NewService(summary.ServiceConfig{
		Store:    store,
		Locks:    lockManager,
		Cache:    courseCache,
		Events:   dispatcher,
		Profiles: profiles,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Summary:        summaryService,
		Profiles:       profiles,
		Realtime:       dispatcher,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if appConfig.LockSweepSchedule != "" {
		sweeper, err := locks.NewSweeper(locks.SweeperConfig{
			Manager:  lockManager,
			Schedule: appConfig.LockSweepSchedule,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		sweeper.Start()
		defer func() {
			<-sweeper.Stop().Done()
		}()
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open summary streams end when the process is signalled.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
