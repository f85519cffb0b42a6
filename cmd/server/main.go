package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rl1809/order-fulfillment/internal/config"
)

func main() {
	app := &cli.App{
		Name:  "fulfillment",
		Usage: "order fulfillment pipeline services",
		Commands: []*cli.Command{
			{
				Name:  "order-service",
				Usage: "serve the order API and publish order events",
				Flags: []cli.Flag{migrateFlag},
				Action: func(c *cli.Context) error {
					return withConfig(c, "order-service", ":8000", runOrderService)
				},
			},
			{
				Name:  "inventory-service",
				Usage: "serve the resource API and apply order events to stock",
				Flags: []cli.Flag{migrateFlag},
				Action: func(c *cli.Context) error {
					return withConfig(c, "product-service", ":8001", runInventoryService)
				},
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "schema",
						Usage: "schemas to migrate (order, inventory)",
						Value: cli.NewStringSlice("order", "inventory"),
					},
				},
				Action: func(c *cli.Context) error {
					return withConfig(c, "migrate", "", runMigrate)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("exit")
	}
}

var migrateFlag = &cli.BoolFlag{
	Name:    "migrate",
	Usage:   "apply database migrations before serving",
	EnvVars: []string{"AUTO_MIGRATE"},
}

type runFunc func(ctx context.Context, c *cli.Context, cfg *config.Config, logger *logrus.Entry) error

func withConfig(c *cli.Context, serviceName, httpAddr string, run runFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.WithDefaults(serviceName, httpAddr)

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	entry := logger.WithField("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, cfg, entry); err != nil {
		entry.WithError(err).Error("stopped with error")
		return err
	}
	entry.Info("stopped")
	return nil
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, timeout time.Duration, logger logrus.FieldLogger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	logger.Info("HTTP server stopped")
	return nil
}
