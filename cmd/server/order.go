package main

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/order-fulfillment/internal/adapter/client"
	"github.com/rl1809/order-fulfillment/internal/adapter/handler"
	"github.com/rl1809/order-fulfillment/internal/adapter/messaging"
	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/config"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

func runOrderService(ctx context.Context, c *cli.Context, cfg *config.Config, logger *logrus.Entry) error {
	m := metrics.NewRegistry()

	db, err := storage.OpenMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to mysql")

	if c.Bool(migrateFlag.Name) {
		if err := storage.Migrate(db, storage.SchemaOrder); err != nil {
			return err
		}
	}

	catalog, closeCatalog, err := newCatalog(cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeCatalog()

	publisher := messaging.NewPublisher(cfg.RabbitMQURL, cfg.Exchange, cfg.ConfirmTimeout, logger.WithField("component", "publisher"))
	defer publisher.Close()

	orders := storage.NewMySQLOrderAdapter(db)
	orderService := service.NewOrderService(orders, catalog, publisher, m, logger, cfg.ServiceName)
	relay := service.NewOutboxRelay(orders, publisher, m, logger.WithField("component", "outbox"),
		cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		service.WithRetryLimits(cfg.OutboxMaxAttempts, cfg.OutboxMaxBackoff))

	health := handler.NewHealthHandler(cfg.ServiceName, map[string]handler.Check{
		"database": db.PingContext,
	})
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.NewRouter(logger, health, m, handler.NewOrderHTTPHandler(orderService, logger)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(ctx, srv, cfg.ShutdownTimeout, logger) })
	g.Go(func() error { return relay.Run(ctx) })
	return g.Wait()
}

func newCatalog(cfg *config.Config, m *metrics.Registry, logger logrus.FieldLogger) (port.ProductCatalog, func(), error) {
	policy := client.RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	log := logger.WithField("component", "product_client")

	if cfg.ProductTransport == config.ProductTransportGRPC {
		conn, err := grpc.NewClient(cfg.ProductGRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		return client.NewGRPCCatalog(conn, cfg.RequestTimeout, policy, m, log), func() { conn.Close() }, nil
	}
	return client.NewProductClient(cfg.ProductServiceURL, cfg.RequestTimeout, m, log, client.WithRetryPolicy(policy)), func() {}, nil
}
