package cli

import (
	"context"
	"database/sql"
	"os"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"trivia-duel-service/internal/config"
	pgmigrations "trivia-duel-service/internal/infra/postgres/migrations"
)

// NewMigrateCmd applies database migrations.
func NewMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return RunMigrations(cmd.Context(), cfg.Postgres.URL, newLogger(cfg, os.Stderr))
		},
	}
}

// RunMigrations applies every pending migration to the database at dsn.
func RunMigrations(ctx context.Context, dsn string, log zerolog.Logger) error {
	if dsn == "" {
		return eris.New("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return eris.Wrap(err, "init migrations")
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return eris.Wrap(err, "migrate")
	}
	if group.IsZero() {
		log.Info().Msg("no new migrations")
		return nil
	}
	log.Info().Str("group", group.String()).Msg("migrations applied")
	return nil
}
