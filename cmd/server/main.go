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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soaringjerry/Hubben/internal/api"
	"github.com/soaringjerry/Hubben/internal/config"
	"github.com/soaringjerry/Hubben/internal/logging"
	"github.com/soaringjerry/Hubben/internal/metrics"
	"github.com/soaringjerry/Hubben/internal/middleware"
	"github.com/soaringjerry/Hubben/internal/ratelimit"
	"github.com/soaringjerry/Hubben/internal/services"
)

var version = "dev"

var (
	configPath string
	envFile    string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "hubben",
	Short:        "Parent survey pipeline with separated identity and response data",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath, envFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("hubben", version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		limiter, err := newLimiter(cfg)
		if err != nil {
			return err
		}
		statuses, err := cfg.Privacy.Statuses()
		if err != nil {
			return err
		}

		if cfg.Auth.JWTSecret == config.DefaultConfig().Auth.JWTSecret && !cfg.Log.Development {
			logger.Warn("default_jwt_secret", zap.String("hint", "set HUBBEN_JWT_SECRET"))
		}
		auth := middleware.NewAuth(cfg.Auth.JWTSecret, stores.PII.GetUser)
		svc := api.NewServices(stores.PII, stores.Responses, limiter, auth.SignToken, api.Options{
			ConsentVersion:     cfg.Privacy.ConsentVersion,
			TokenTTL:           cfg.TokenTTL(),
			PublicTextStatuses: statuses,
			DefaultKommun:      cfg.Privacy.DefaultKommun,
		})
		srv := api.NewServer(svc, auth, metrics.New(), logger, api.Config{
			Version:                  version,
			ExposeVerificationTokens: cfg.Log.Development,
		})

		httpServer := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server_listening", zap.String("addr", cfg.Server.Addr), zap.String("driver", cfg.Database.Driver))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		logger.Info("server_shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

// newLimiter shares login counters through Redis when an address is
// configured and keeps them in memory otherwise.
func newLimiter(cfg *config.Config) (services.RateLimiter, error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewMemory(cfg.Auth.LoginMaxAttempts), nil
	}
	client, err := ratelimit.Connect(cfg.Redis.Addr)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewRedis(client, cfg.Auth.LoginMaxAttempts), nil
}
