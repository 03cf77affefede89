package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/stage"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/migrations"
)

// openPool loads config and connects. Callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func labFlag(cmd *cobra.Command) {
	cmd.Flags().String("lab", "", "Lab identifier (defaults to DEFAULT_LAB)")
}

func labOf(cmd *cobra.Command, cfg *config.Config) string {
	if lab, _ := cmd.Flags().GetString("lab"); lab != "" {
		return lab
	}
	return cfg.DefaultLab
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a lab schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(labOf(cmd, cfg))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	labFlag(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a lab schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(labOf(cmd, cfg))
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", schema)
			renderMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	labFlag(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		t.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	t.Render()
}

func labCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Manage lab schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lab schema and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating lab schema: %s\n", db.SchemaFor(name))
			if err := db.CreateLabSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Lab created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Lab identifier (alphanumeric)")
	cmd.AddCommand(createCmd)

	return cmd
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage workflow templates",
	}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Install sections, methods and workflows from a TOML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			seed, err := workflow.LoadSeedFile(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.WithLab(ctx, pool, labOf(cmd, cfg))
			if err != nil {
				return err
			}
			defer release()

			res, err := workflow.NewService(workflow.NewRepoPG(pool), db.NewTransactor(pool)).Load(ctx, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d section(s), %d method(s), %d workflow(s).\n",
				res.Sections, res.Methods, res.Workflows)
			return nil
		},
	}
	loadCmd.Flags().String("file", "", "Path to the TOML seed file")
	labFlag(loadCmd)
	cmd.AddCommand(loadCmd)

	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print stage counts by status for a section",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("section")
			sectionID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--section must be a uuid: %w", err)
			}

			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.WithLab(ctx, pool, labOf(cmd, cfg))
			if err != nil {
				return err
			}
			defer release()

			logger := newLogger(cfg)
			a := newApp(pool, events.NewLogPublisher(logger), nil, nil, logger)
			stats, err := a.reader.SectionStats(ctx, sectionID)
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), sectionID, stats)
			return nil
		},
	}
	cmd.Flags().String("section", "", "Section id")
	labFlag(cmd)
	return cmd
}

func renderStats(w io.Writer, sectionID uuid.UUID, stats map[stage.Status]int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Section " + sectionID.String())
	t.AppendHeader(table.Row{"Status", "Stages"})
	total := 0
	for _, s := range stage.Statuses {
		t.AppendRow(table.Row{s, stats[s]})
		total += stats[s]
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()
}

