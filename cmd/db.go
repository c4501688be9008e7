package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/migrations"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
)

type dbOptions struct {
	migrationDir string
	dryRun       bool
	target       string
	yes          bool
	output       string
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *Deps) *cobra.Command {
	opts := &dbOptions{}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Manage the transcript store schema.

Migrations are embedded in the ftm binary. Use --migrations to apply SQL files
from a directory instead. Applied versions are tracked in schema_migrations.

The database is configured with DATABASE_URL or the DB_* environment variables.

Examples:
  # Show migration status
  ftm db status

  # Apply all pending migrations without prompting
  ftm db migrate --yes

  # Preview migrations without applying
  ftm db migrate --dry-run`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.PersistentFlags().StringVarP(&opts.migrationDir, "migrations", "m", "", "Path to a migrations directory (default: embedded)")

	cmd.AddCommand(newDbMigrateCommand(deps, opts))
	cmd.AddCommand(newDbStatusCommand(deps, opts))

	return cmd
}

func newDbMigrateCommand(deps *Deps, opts *dbOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations in version order.

Each migration runs in its own transaction. The first failure stops the run;
migrations applied before it stay applied.`,
		Example: `  ftm db migrate
  ftm db migrate --dry-run
  ftm db migrate --target 002 --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "Target version to migrate to (e.g., 002)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Apply without asking for confirmation")

	return cmd
}

func newDbStatusCommand(deps *Deps, opts *dbOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show applied, pending and drifted migrations.

Drift lists versions recorded as applied that no longer have a migration file.`,
		Example: `  ftm db status
  ftm db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")

	return cmd
}

func (o *dbOptions) migrator(pool *pgxpool.Pool) *db.Migrator {
	if o.migrationDir != "" {
		return db.NewDirMigrator(pool, o.migrationDir)
	}
	return db.NewMigrator(pool, migrations.FS)
}

func runDbMigrate(ctx context.Context, deps *Deps, opts *dbOptions, in io.Reader, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	m := opts.migrator(pool)
	status, err := m.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	if len(status.Pending) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(out, "Pending migrations (%d):\n", len(status.Pending))
	for _, p := range status.Pending {
		fmt.Fprintf(out, "  %s - %s\n", p.Version, p.Name)
	}
	fmt.Fprintln(out)

	if opts.dryRun {
		fmt.Fprintln(out, "Dry run mode: no migrations applied.")
		return nil
	}

	if !opts.yes && !confirm(in, out, "Apply these migrations? (y/N): ") {
		fmt.Fprintln(out, "Migration cancelled.")
		return nil
	}

	var result *db.MigrationResult
	if opts.target != "" {
		fmt.Fprintf(out, "Applying migrations up to version %s...\n", opts.target)
		result, err = m.UpTo(ctx, opts.target)
	} else {
		fmt.Fprintln(out, "Applying all pending migrations...")
		result, err = m.Up(ctx)
	}

	if err != nil {
		fmt.Fprintf(out, "\n\033[31mMigration failed:\033[0m %v\n", err)
		if result != nil && len(result.Applied) > 0 {
			fmt.Fprintln(out, "\nSuccessfully applied before failure:")
			for _, v := range result.Applied {
				fmt.Fprintf(out, "  \033[32m✓\033[0m %s\n", v)
			}
		}
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "\033[32mSuccessfully applied %d migration(s):\033[0m\n", len(result.Applied))
	for _, v := range result.Applied {
		fmt.Fprintf(out, "  \033[32m✓\033[0m %s\n", v)
	}
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func runDbStatus(ctx context.Context, deps *Deps, opts *dbOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format := outputFormat(cfg, opts.output)
	if err := validFormat(format); err != nil {
		return err
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	status, err := opts.migrator(pool).Status(ctx)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}
	return outputMigrationStatus(out, format, status)
}

func outputMigrationStatus(out io.Writer, format config.OutputFormat, status *db.MigrationStatus) error {
	if ok, err := writeStructured(out, format, status); ok {
		return err
	}

	section := func(color, title string, entries []db.MigrationStatusEntry, withApplied bool) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(out, "\033[%sm%s (%d):\033[0m\n", color, title, len(entries))
		for _, m := range entries {
			if !withApplied {
				fmt.Fprintf(out, "  %-26s %s\n", truncate(m.Version, 26), m.Name)
				continue
			}
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "  %-26s %-33s %s\n", truncate(m.Version, 26), truncate(m.Name, 33), appliedAt)
		}
		fmt.Fprintln(out)
	}

	section("32", "Applied Migrations", status.Applied, true)
	section("33", "Pending Migrations", status.Pending, false)
	section("31", "Drift - applied but file missing", status.Drift, true)

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}

	fmt.Fprintf(out, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(out, ", \033[31m%d drift\033[0m", len(status.Drift))
	}
	fmt.Fprintln(out)
	return nil
}
