package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/liamcoop/history/internal/config"
	"github.com/liamcoop/history/internal/logger"
)

type options struct {
	configPath     string
	databaseURL    string
	migrationsPath string
}

// newMigrator resolves the database URL and migrations path from flags,
// falling back to the service config (which honours DATABASE_URL)
func (o *options) newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Setup(context.Background(), logger.Options{Level: cfg.Log.Level}); err != nil {
		logger.Warn("logger setup incomplete", "error", err)
	}

	databaseURL := o.databaseURL
	if databaseURL == "" {
		databaseURL = cfg.Database.URL
	}
	if databaseURL == "" {
		return nil, errors.New("database URL is required: use --database or DATABASE_URL")
	}

	path := o.migrationsPath
	if path == "" {
		path = cfg.Migrations.Path
	}

	logger.Info("connecting to database", "migrations", path)

	m, err := migrate.New("file://"+path, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

func withMigrator(o *options, fn func(m *migrate.Migrate) error) error {
	m, err := o.newMigrator()
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			logger.Warn("failed to close migrator", "error", err)
		}
	}()
	return fn(m)
}

func newUpCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withMigrator(o, func(m *migrate.Migrate) error {
				logger.Info("running migrations up")
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no migrations to run, database is up to date")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				logger.Info("migrations completed")
				return nil
			})
		},
	}
}

func newDownCmd(o *options) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all of them unless --steps is set)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withMigrator(o, func(m *migrate.Migrate) error {
				var err error
				if steps > 0 {
					logger.Info("rolling back migrations", "steps", steps)
					err = m.Steps(-steps)
				} else {
					logger.Info("rolling back all migrations")
					err = m.Down()
				}
				if err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to roll back migrations: %w", err)
				}
				logger.Info("rollback completed")
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back")
	return cmd
}

func newVersionCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(o, func(m *migrate.Migrate) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
				return nil
			})
		},
	}
}

func newForceCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number %q: %w", args[0], err)
			}
			return withMigrator(o, func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				logger.Info("forced schema version", "version", version)
				return nil
			})
		},
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the history service database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&o.configPath, "config", os.Getenv("APP_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&o.databaseURL, "database", "", "database URL (default from config or DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&o.migrationsPath, "path", "", "migrations directory (default from config)")

	cmd.AddCommand(newUpCmd(o), newDownCmd(o), newVersionCmd(o), newForceCmd(o))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Fatal("migration failed", "error", err)
	}
}
