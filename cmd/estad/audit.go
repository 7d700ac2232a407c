package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/esta-kernel/pkg/archive"
	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify audit trails",
	}
	cmd.AddCommand(newAuditVerifyCmd(g), newAuditExportCmd(g), newAuditRestoreCmd(g))
	return cmd
}

func newAuditVerifyCmd(g *globals) *cobra.Command {
	var partial bool
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Verify the hash chain of a JSON lines trail (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, closeFn, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			records, err := audit.ReadJSONL(r)
			if err != nil {
				return err
			}
			if err := verifyRecords(records, partial); err != nil {
				return err
			}
			_, err = fmt.Fprintf(g.stdout, "ok: %d records\n", len(records))
			return err
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "accept a trail that does not start at genesis")
	return cmd
}

func verifyRecords(records []audit.Record, partial bool) error {
	if len(records) == 0 {
		return errors.New("audit: empty trail")
	}
	prev := audit.GenesisHash
	if partial {
		prev = records[0].PrevHash
	}
	return audit.VerifyChain(records, prev)
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-chosen path
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// newAuditExportCmd copies the SQL trail to JSON lines, and into the
// archive when one is configured.
func newAuditExportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the configured SQL audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger := g.logger(cfg)
			if cfg.Audit.Driver == "" {
				return errors.New("audit export: audit.driver is not configured")
			}
			ctx := cmd.Context()
			records, err := loadSQLTrail(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
			if err != nil {
				return err
			}
			if err := verifyRecords(records, true); err != nil {
				return err
			}

			store, err := archive.Open(ctx, cfg.Audit.Archive)
			if err != nil {
				return err
			}
			if store == nil {
				return audit.WriteJSONL(g.stdout, records)
			}
			arch := archive.NewArchiver(store, cfg.Audit.Archive.SegmentSize).WithLogger(logger)
			for _, r := range records {
				if err := arch.Write(ctx, r); err != nil {
					return err
				}
			}
			index, err := arch.Close(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(g.stdout, index)
			return err
		},
	}
}

func loadSQLTrail(ctx context.Context, driver, dsn string) ([]audit.Record, error) {
	db, err := sql.Open(driverName(driver), dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	sink, err := audit.NewSQLSink(ctx, db, audit.Dialect(driver))
	if err != nil {
		return nil, err
	}
	return sink.Load(ctx)
}

func newAuditRestoreCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restore INDEX",
		Short: "Rebuild a trail from an archive index digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := archive.Open(cmd.Context(), cfg.Audit.Archive)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("audit restore: audit.archive.kind is not configured")
			}
			records, err := archive.Restore(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			return audit.WriteJSONL(g.stdout, records)
		},
	}
}
