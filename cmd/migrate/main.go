package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Dhoini/checkout-engine/migrations"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New(logger.INFO)

	if err := rootCmd(log).Execute(); err != nil {
		log.Errorw("Migration command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd(log *logger.Logger) *cobra.Command {
	var dsn string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the checkout engine database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("CHECKOUT_DATABASE_DSN"), "database DSN (env CHECKOUT_DATABASE_DSN)")

	// withMigrate открывает мигратор, выполняет fn и печатает итоговую версию схемы
	withMigrate := func(fn func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("database DSN is required (--dsn or CHECKOUT_DATABASE_DSN)")
			}
			m, err := migrations.New(dsn)
			if err != nil {
				return fmt.Errorf("failed to initialize migrations: %w", err)
			}
			defer m.Close()

			if err := fn(m, args); err != nil {
				return err
			}
			return printVersion(m, log)
		}
	}

	root.AddCommand(upCmd(withMigrate), downCmd(withMigrate), versionCmd(withMigrate), forceCmd(withMigrate))
	return root
}

type migrateRunner func(fn func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error

func upCmd(with migrateRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: with(func(m *migrate.Migrate, _ []string) error {
			return ignoreNoChange(m.Up())
		}),
	}
}

func downCmd(with migrateRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "down [n]",
		Short: "Roll back n migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: with(func(m *migrate.Migrate, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}
			return ignoreNoChange(m.Steps(-steps))
		}),
	}
}

func versionCmd(with migrateRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE:  with(func(*migrate.Migrate, []string) error { return nil }),
	}
}

func forceCmd(with migrateRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark a version as applied without running it (dirty recovery)",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(m *migrate.Migrate, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return m.Force(v)
		}),
	}
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid step count %q", args[0])
	}
	return n, nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func printVersion(m *migrate.Migrate, log *logger.Logger) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Info("Schema version: none")
		return nil
	}
	if err != nil {
		return err
	}
	log.Infow("Schema version", "version", version, "dirty", dirty)
	return nil
}
