package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convert-gateway/internal/api"
	"convert-gateway/internal/auth"
	"convert-gateway/internal/config"
	"convert-gateway/internal/manager"
	"convert-gateway/internal/metrics"
	"convert-gateway/internal/model"
	"convert-gateway/internal/reconcile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reset all daily quota counters once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOrBackground(cmd.Context())
		app, err := bootstrap(ctx, configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.Job.Run(ctx)
		out, _ := json.Marshal(res)
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

var (
	seedFile string

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Provision tenants from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd.Context())
			sf, err := manager.LoadSeedFile(seedFile)
			if err != nil {
				return err
			}
			app, err := bootstrap(ctx, configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Tenants.Seed(ctx, sf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, skipped %d\n", res.Created, res.Skipped)
			return nil
		},
	}
)

var (
	tokenTenant string
	tokenTTL    time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a tenant JWT signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tok, err := auth.GenerateToken(cfg.Auth.JWTSecret, tokenTenant, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
)

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "tenants.yaml", "seed file")

	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant ID to embed")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("tenant")
}

func runServer(parent context.Context) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	app, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.Logger
	cfg := app.Cfg

	apiHandler := api.NewAPI(api.Deps{
		Admission:  app.Admission,
		Ledger:     app.Ledger,
		Verifier:   app.Verifier,
		Gate:       auth.NewOperatorGate(cfg.Auth.OperatorSecret),
		Reconciler: app.Job,
		Converter:  app.Converter,
		Fetcher:    app.Fetcher,
		Limiter:    app.Limiter,
		Logger:     logger,
	}, api.Options{
		ResetsPerHour:  cfg.Reconcile.RateLimitPerHour,
		MaxUploadBytes: cfg.Convert.MaxBytes,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Reconcile.Schedule != "" {
		c, err := reconcile.NewCron(cfg.Reconcile.Schedule, app.Job, cfg.Reconcile.Timeout, logger)
		if err != nil {
			return err
		}
		c.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			c.Stop(stopCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown initiated...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Graceful shutdown complete")
	return err
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// tierOrDefault parses the configured default tier; Validate already
// rejected bad values.
func tierOrDefault(s string) model.Tier {
	t, err := model.ParseTier(s)
	if err != nil {
		return model.TierNormal
	}
	return t
}
