package storage

import (
	"embed"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

const (
	SchemaOrder     = "order"
	SchemaInventory = "inventory"
)

// Migrate brings the schema for one side of the pipeline up to date. Running it
// against an up-to-date database is a no-op.
func Migrate(db *sqlx.DB, schema string) error {
	dir, err := fs.Sub(migrations, "migrations/"+schema)
	if err != nil {
		return errors.Wrapf(err, "schema %q", schema)
	}
	if _, err := fs.Stat(dir, "."); err != nil {
		return errors.Errorf("unknown schema %q", schema)
	}

	src, err := iofs.New(dir, ".")
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	driver, err := migratemysql.WithInstance(db.DB, &migratemysql.Config{
		MigrationsTable: "schema_migrations_" + schema,
	})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrapf(err, "migrate %s", schema)
	}
	return nil
}
