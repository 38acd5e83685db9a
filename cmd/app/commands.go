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
	"golang.org/x/sync/errgroup"

	"hydration-queue/internal/config"
	"hydration-queue/internal/infra/api"
	pg "hydration-queue/internal/infra/db/postgres"
	"hydration-queue/internal/infra/sched"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd(flags *rootFlags) *cobra.Command {
	var (
		withWorker bool
		withReaper bool
		migrate    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, and by default the worker and reaper loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate && a.pool != nil {
				if err := pg.Migrate(ctx, a.pool); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			deps := api.Deps{
				Jobs:        a.jobUC,
				Quota:       a.quotaUC,
				Maintenance: a.maintenance,
				Admission:   a.gateway,
				Store:       a.jobs,
			}
			if withWorker {
				deps.Worker = a.processor
			}
			srv := api.NewServer(deps, api.Options{
				JWTSecret:      a.cfg.Auth.JWTSecret,
				OpsAPIKey:      a.cfg.Auth.OpsAPIKey,
				MaxBodyBytes:   int64(a.cfg.Queue.MaxPayloadBytes) + 4096,
				RequestTimeout: a.cfg.HTTP.RequestTimeout,
			}, a.log)

			httpSrv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
				Handler:           srv.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info().Str("addr", httpSrv.Addr).Msg("http listening")
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				a.log.Info().Msg("shutdown requested")
				return httpSrv.Shutdown(shutdownCtx)
			})
			if withWorker {
				g.Go(func() error { a.gateway.Run(gctx); return nil })
				g.Go(func() error { a.processor.Start(gctx); return nil })
			}
			if withReaper {
				reaper := sched.NewReaper(a.cfg.Reaper.Interval, a.maintenance, a.log)
				g.Go(func() error {
					if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", true, "run the batch processor in this process")
	cmd.Flags().BoolVar(&withReaper, "reaper", true, "run the reaper loop in this process")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the postgres schema before serving")
	return cmd
}

func workerCmd(flags *rootFlags) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the batch processor without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if once {
				rep, err := a.processor.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			}

			var g errgroup.Group
			g.Go(func() error { a.gateway.Run(ctx); return nil })
			g.Go(func() error { a.processor.Start(ctx); return nil })
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle, print its report and exit")
	return cmd
}

func reapCmd(flags *rootFlags) *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper pass over the job store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if loop {
				err := sched.NewReaper(a.cfg.Reaper.Interval, a.maintenance, a.log).Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			rep, err := a.maintenance.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every reaper.interval")
	return cmd
}

func migrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the job store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			switch a.cfg.Database.Driver {
			case "postgres":
				if err := pg.Migrate(ctx, a.pool); err != nil {
					return err
				}
			default:
				// sqlite migrates on open, memory has no schema
			}
			a.log.Info().Str("driver", a.cfg.Database.Driver).Msg("schema up to date")
			return nil
		},
	}
}

// tokenCmd mints a user token for local testing of the /v1 routes.
func tokenCmd(flags *rootFlags) *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed user token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.LoadConfig(flags.configPath, flags.dev)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			tok, err := api.NewAuthManager(cfg.Auth.JWTSecret).Mint(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to put in the subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
