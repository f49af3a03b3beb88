package command

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chanrpc/service"
	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type runCommandeer struct {
	cmd             *cobra.Command
	rootCommandeer  *RootCommandeer
	shutdownTimeout time.Duration
}

func newRunCommandeer(rootCommandeer *RootCommandeer) *runCommandeer {
	commandeer := &runCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.run()
		},
	}

	cmd.Flags().DurationVar(&commandeer.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for a clean shutdown")

	commandeer.cmd = cmd
	return commandeer
}

func (rc *runCommandeer) run() error {
	serviceConfig, err := rc.rootCommandeer.loadConfig()
	if err != nil {
		return err
	}

	logger, err := rc.rootCommandeer.createLogger(serviceConfig.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint: errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(logger, serviceConfig)
	if err != nil {
		return errors.Wrap(err, "Failed to create service")
	}

	var metricsServer *http.Server
	if serviceConfig.Metrics.ListenAddress != "" {
		metricsServer = rc.serveMetrics(logger, svc, serviceConfig.Metrics.ListenAddress)
	}

	if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), rc.shutdownTimeout)
		defer cancel()
		return multierr.Append(errors.Wrap(err, "Failed to start service"), svc.Stop(stopCtx))
	}

	<-ctx.Done()
	logger.Info("Shutting down", zap.String("service", svc.Name()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rc.shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down metrics server", zap.Error(err))
		}
	}
	return svc.Stop(shutdownCtx)
}

func (rc *runCommandeer) serveMetrics(logger *zap.Logger, svc *service.Service, listenAddress string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(svc.MetricsRegistry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", zap.String("listenAddress", listenAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
