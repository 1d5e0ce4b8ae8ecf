package postgres

import (
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/helixtrade/helix/db/migrations"
	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
)

// Migrate applies the embedded schema migrations to the database at dsn.
// Already-applied migrations are a no-op.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return errs.New(Component, errs.CodeInternal,
			errs.WithMessage("open embedded migrations"), errs.WithCause(err))
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("open migration connection"), errs.WithCause(err))
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("init migration driver"), errs.WithCause(err))
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return errs.New(Component, errs.CodeInternal,
			errs.WithMessage("init migrator"), errs.WithCause(err))
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errs.New(Component, errs.CodeInternal,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	version, dirty, _ := m.Version()
	observability.Log().Info("migrations applied",
		observability.Int("version", int(version)),
		observability.Int("dirty", boolInt(dirty)))
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
