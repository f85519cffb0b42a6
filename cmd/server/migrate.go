package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/config"
)

func runMigrate(ctx context.Context, c *cli.Context, cfg *config.Config, logger *logrus.Entry) error {
	db, err := storage.OpenMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, schema := range c.StringSlice("schema") {
		if err := storage.Migrate(db, schema); err != nil {
			return err
		}
		logger.WithField("schema", schema).Info("schema up to date")
	}
	return nil
}
