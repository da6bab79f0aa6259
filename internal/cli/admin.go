package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mailq/internal/migrate"
	"github.com/ChuLiYu/mailq/internal/storage/wal"
)

// ============================================================================
// migrate: Postgres schema
// ============================================================================

func buildMigrateCommand(opts *rootOptions) *cobra.Command {
	var dsn, dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema used by the postgres backend",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (overrides broker.postgres_dsn)")
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (overrides broker.migrations_dir)")

	withMigrator := func(fn func(m *migrate.Migrator, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Broker.PostgresDSN
			}
			if dir == "" {
				dir = cfg.Broker.MigrationsDir
			}
			if dsn == "" {
				return fmt.Errorf("a Postgres DSN is required (--dsn or MAILQ_BROKER_POSTGRES_DSN)")
			}

			m, err := migrate.Open(cmd.Context(), dsn, dir)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(m, cmd)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(m *migrate.Migrator, _ *cobra.Command) error {
			return m.Up()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: withMigrator(func(m *migrate.Migrator, _ *cobra.Command) error {
			return m.Down()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: withMigrator(func(m *migrate.Migrator, cmd *cobra.Command) error {
			if err := m.Status(); err != nil {
				return err
			}
			v, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current version: %d\n", v)
			return nil
		}),
	})

	return cmd
}

// ============================================================================
// wal: inspect the memory backend's log
// ============================================================================

func buildWALCommand(opts *rootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log of the memory backend",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "WAL file (defaults to wal.path from the config)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := opts.loadConfig()
		if err != nil {
			return "", err
		}
		return cfg.WAL.Path, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every event in the WAL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize the WAL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			st, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:      %s\n", st.Path)
			fmt.Fprintf(out, "size:      %d bytes\n", st.SizeBytes)
			fmt.Fprintf(out, "events:    %d (seq %d..%d)\n", st.Events, st.FirstSeq, st.LastSeq)
			for _, t := range []wal.EventType{wal.EventEnqueue, wal.EventLease, wal.EventExtend, wal.EventAck, wal.EventRetry, wal.EventFail, wal.EventReclaim} {
				if n := st.ByType[t]; n > 0 {
					fmt.Fprintf(out, "  %-8s %d\n", t, n)
				}
			}
			if !st.FirstEvent.IsZero() {
				fmt.Fprintf(out, "span:      %s .. %s\n", st.FirstEvent.Format(time.RFC3339), st.LastEvent.Format(time.RFC3339))
			}
			if st.TornTail {
				fmt.Fprintln(out, "torn tail: yes (will be truncated on next open)")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check checksums and sequence ordering",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", p)
			return nil
		},
	})

	return cmd
}
