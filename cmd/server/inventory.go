package main

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/order-fulfillment/internal/adapter/handler"
	"github.com/rl1809/order-fulfillment/internal/adapter/inventoryrpc"
	"github.com/rl1809/order-fulfillment/internal/adapter/messaging"
	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/adapter/storage/memstore"
	"github.com/rl1809/order-fulfillment/internal/config"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

func runInventoryService(ctx context.Context, c *cli.Context, cfg *config.Config, logger *logrus.Entry) error {
	m := metrics.NewRegistry()

	inventory, checks, closeStore, err := newInventoryStore(ctx, c, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	inventoryService := service.NewInventoryService(inventory, m, logger)

	dispatcher := messaging.NewDispatcher(m, logger.WithField("component", "dispatcher"))
	dispatcher.Register(domain.EventTypeOrderCreated, inventoryService.HandleOrderCreated)
	consumer := messaging.NewConsumer(messaging.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Exchange:    cfg.Exchange,
		Queue:       cfg.Queue,
		BindingKeys: cfg.BindingKeys,
		Prefetch:    cfg.Prefetch,
		Workers:     cfg.ConsumerWorkers,
		Tag:         cfg.ServiceName,
	}, dispatcher, logger.WithField("component", "consumer"))

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: handler.NewRouter(logger, handler.NewHealthHandler(cfg.ServiceName, checks), m,
			handler.NewInventoryHTTPHandler(inventoryService, logger)),
	}

	grpcServer := grpc.NewServer()
	inventoryrpc.RegisterInventoryServer(grpcServer, handler.NewGRPCHandler(inventoryService, logger))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrap(err, "grpc listen")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(ctx, srv, cfg.ShutdownTimeout, logger) })
	g.Go(func() error {
		logger.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		return errors.Wrap(grpcServer.Serve(lis), "grpc server")
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})
	g.Go(func() error { return consumer.Run(ctx) })
	return g.Wait()
}

func newInventoryStore(ctx context.Context, c *cli.Context, cfg *config.Config, logger logrus.FieldLogger) (port.InventoryRepository, map[string]handler.Check, func(), error) {
	switch cfg.InventoryStore {
	case config.InventoryStoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, nil, errors.Wrap(err, "connect redis")
		}
		logger.Info("connected to redis")
		checks := map[string]handler.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}
		return storage.NewRedisInventoryAdapter(rdb), checks, func() { rdb.Close() }, nil

	case config.InventoryStoreMemory:
		logger.Warn("inventory kept in memory, state is lost on exit")
		return memstore.NewInventoryStore(), nil, func() {}, nil

	default:
		db, err := storage.OpenMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("connected to mysql")
		if c.Bool(migrateFlag.Name) {
			if err := storage.Migrate(db, storage.SchemaInventory); err != nil {
				db.Close()
				return nil, nil, nil, err
			}
		}
		checks := map[string]handler.Check{"database": db.PingContext}
		return storage.NewMySQLInventoryAdapter(db), checks, func() { db.Close() }, nil
	}
}
