package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"virtual-trader/internal/api"
)

func addServeCommand(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newServeCmd(app))
}

func newServeCmd(app *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, price feed and background sync",
		Long: `Run the simulator: the random-walk feed, the session manager, the outbox
sync and the HTTP API with SSE and websocket portfolio streams. Stops on
SIGINT or SIGTERM after flushing queued writes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				app.Config.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}

// serve runs every long-lived component until ctx is done or one of them
// fails, then shuts down in dependency order.
func (a *App) serve(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger.With().Str("component", "serve").Logger()

	rt := NewRuntime(ctx, cfg, a.Logger)
	health := rt.HealthMonitor()

	srv := api.NewServer(api.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		StreamInterval:    cfg.Stream.Interval,
		StreamMaxDuration: cfg.Stream.MaxDuration,
	}, api.Deps{
		Sessions:    rt.Sessions,
		Instruments: rt.Instruments,
		Snapshots:   rt.Snapshots,
		Auth:        api.NewTokenRegistry(cfg.TokenMap(), cfg.Auth.AllowAnyToken),
		Health:      health,
		Logger:      a.Logger,
	})

	rt.Start(ctx)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("backend", rt.Store.Backend()).
		Int("instruments", len(rt.Instruments.All())).
		Dur("feed_interval", cfg.Feed.Interval).
		Msg("Simulator starting")

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(rt.Feed.Run)
	p.Go(rt.Sessions.Run)
	p.Go(health.Run)
	p.Go(func(ctx context.Context) error {
		return srv.Serve(ctx, cfg.Server.ShutdownTimeout)
	})
	err := p.Wait()

	if cerr := rt.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("Closing row store")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Simulator stopped")
		return err
	}
	logger.Info().Msg("Simulator stopped")
	return nil
}
