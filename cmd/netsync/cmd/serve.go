package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netsync/internal/core/entity"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/injector"
	"github.com/zeusync/netsync/internal/node"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node and log every entity update it receives",
	Long: `Start the reliable and UDP listeners, drain inbound updates once per tick
and log each applied component. With --metrics-addr the prometheus counters
are served on /metrics.

Examples:
  netsync serve --config netsync.yaml
  NETSYNC_LISTEN_RELIABLE=:5411 NETSYNC_LISTEN_UNRELIABLE=:5412 netsync serve`,
	RunE: serveHandler,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the prometheus /metrics endpoint")
	rootCmd.AddCommand(serveCmd)
}

func serveHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	rt, cleanup, err := injector.InitializeNode(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = rt.Logger.Sync() }()

	logger := rt.Logger.With(log.Component("serve"))
	if err = registerComponents(rt.Node); err != nil {
		return err
	}
	rt.Node.OnApply(logUpdates(logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = rt.Node.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Node.Run(ctx, cfg.Inbound.TickInterval)
		return nil
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.Metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Serving metrics", log.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Node running",
		log.String("reliable", cfg.Listen.Reliable),
		log.String("unreliable", cfg.Listen.Unreliable),
		log.String("transport", cfg.Transport.Reliable))

	err = g.Wait()
	logger.Info("Node stopped")
	return err
}

// logUpdates is the apply hook of serve. Nothing else owns the received
// components here, so each queued update is synced into the live instance
// before it is logged.
func logUpdates(logger log.Log) node.ApplyFunc {
	return func(e *entity.Entity, component string, created bool) {
		value, ok := e.Component(component)
		if !ok {
			return
		}
		if !created {
			if _, report := e.Sync(value); !report.OK() {
				logger.Warn("Update partially applied",
					log.String("guid", e.GUID()),
					log.String("component", component),
					log.Error(report.Err()))
			}
		}
		logger.Info("Entity updated",
			log.String("guid", e.GUID()),
			log.String("component", component),
			log.Bool("created", created),
			log.Bool("pending", e.HasPending(component)),
			log.Any("value", value))
	}
}
