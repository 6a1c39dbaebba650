package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/radiology/internal/config"
	"github.com/ehr/radiology/internal/domain/accession"
	"github.com/ehr/radiology/internal/domain/audit"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "radiology-server",
		Short:        "Radiology report governance API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(accessionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: 5 * time.Second,
	})
}

// migrationFiles returns the embedded migrations unless dir names a directory
// on disk.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// resolveConfirmSecret returns CONFIRM_SECRET, or a random 32-byte secret when
// it is unset. The second value is true when the secret was generated; tokens
// issued with it do not survive a restart.
func resolveConfirmSecret(configured string) ([]byte, bool, error) {
	if configured != "" {
		return []byte(configured), false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate confirmation secret: %w", err)
	}
	return key, true, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the governance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

// withAccessionService runs fn against a sequencer bound to tenant's schema.
func withAccessionService(cmd *cobra.Command, fn func(ctx context.Context, svc *accession.Service) error) error {
	tenant, _ := cmd.Flags().GetString("tenant")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("HOSPITAL_TIMEZONE: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	// The CLI has no retry loop; a failed audit write is logged by the recorder.
	recorder := audit.NewRecorder(audit.NewStorePG(pool), logger, 1, 1)
	svc := accession.NewService(accession.NewRepoPG(pool), recorder, cfg.AccessionPrefix, loc, cfg.AccessionTimeout)

	return db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
		return fn(ctx, svc)
	})
}

func accessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accession",
		Short: "Preview or allocate accession numbers",
	}

	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the next accession without allocating it",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			return withAccessionService(cmd, func(ctx context.Context, svc *accession.Service) error {
				acc, err := svc.Preview(ctx, prefix)
				if err != nil {
					return err
				}
				fmt.Println(acc)
				return nil
			})
		},
	}

	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Allocate the next accession",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			modality, _ := cmd.Flags().GetString("modality")
			return withAccessionService(cmd, func(ctx context.Context, svc *accession.Service) error {
				issued, err := svc.Next(ctx, prefix, strings.ToUpper(modality))
				if err != nil {
					return err
				}
				fmt.Println(issued.Accession)
				return nil
			})
		},
	}
	nextCmd.Flags().String("modality", "", "Modality code recorded with the allocation (e.g. CT, MR)")

	for _, c := range []*cobra.Command{previewCmd, nextCmd} {
		c.Flags().String("prefix", "", "Accession prefix (defaults to ACCESSION_PREFIX)")
		c.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
		cmd.AddCommand(c)
	}
	return cmd
}
