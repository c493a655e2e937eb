package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"portfolio-screener/internal/api"
	"portfolio-screener/internal/scheduler"
)

func newServeCmd(app *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cache over HTTP",
		Long: `Start the read API:

  GET /health        store and source health
  GET /fetch         ?indicators=AAPL,MSFT&attributes=name,price&period=1m
  GET /attributes    supported attribute names
  GET /cache/stats   cache statistics

When warmup.schedule is set, the configured identifiers are refreshed on
that schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if addr == "" {
				addr = app.Config.Server.Addr
			}

			svc, err := app.CacheService()
			if err != nil {
				return err
			}

			srv := api.New(api.Config{
				Addr:     addr,
				Service:  svc,
				Breakers: app.Breakers,
				Log:      app.Logger,
			})

			sched := scheduler.New(app.Logger)
			if w := app.Config.Warmup; w.Schedule != "" {
				job, err := scheduler.NewWarmupJob(svc, w.Identifiers, w.Attributes, 0, app.Logger)
				if err != nil {
					return err
				}
				if err := sched.AddJob(w.Schedule, job); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			sched.Start()
			defer sched.Stop()

			if !output.IsJSON() {
				output.Info("Serving on http://%s (cache enabled: %t)", addr, svc.Enabled())
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
