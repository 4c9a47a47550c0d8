package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgmigrator/internal/schema"
)

var compareCheckIdentity bool

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare source and destination schemas",
	Long: `Compare connects directly to the source and destination (no replication
connection required) and reports table/column drift between them.

With --check-replica-identity, it also flags source tables whose REPLICA
IDENTITY setting would leave a CDC-based UPDATE/DELETE unable to locate the
matching destination row.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		srcPool, err := pgxpool.New(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("source pool: %w", err)
		}
		defer srcPool.Close()

		dstPool, err := pgxpool.New(ctx, cfg.Dest.DSN())
		if err != nil {
			return fmt.Errorf("dest pool: %w", err)
		}
		defer dstPool.Close()

		mgr := schema.NewMigrator(srcPool, dstPool, logger)

		diff, err := mgr.CompareSchemas(ctx)
		if err != nil {
			return fmt.Errorf("compare schemas: %w", err)
		}

		if !diff.HasDifferences() {
			fmt.Println("Schemas match: no missing tables, extra tables, or column drift.")
		} else {
			if len(diff.MissingTables) > 0 {
				fmt.Println("Tables missing on destination:")
				for _, t := range diff.MissingTables {
					fmt.Printf("  %s\n", t)
				}
			}
			if len(diff.ExtraTables) > 0 {
				fmt.Println("Tables present only on destination:")
				for _, t := range diff.ExtraTables {
					fmt.Printf("  %s\n", t)
				}
			}
			if len(diff.ColumnDiffs) > 0 {
				fmt.Println("Column mismatches:")
				for _, c := range diff.ColumnDiffs {
					fmt.Printf("  %s.%s: source=%s dest=%s\n", c.Table, c.Column, c.SourceType, c.DestType)
				}
			}
		}

		if compareCheckIdentity {
			if err := reportReplicaIdentity(ctx, mgr); err != nil {
				return err
			}
		}

		if diff.HasDifferences() {
			return fmt.Errorf("schema drift detected")
		}
		return nil
	},
}

// reportReplicaIdentity lists every user table on the source and surfaces
// any whose replica identity would degrade CDC replication of UPDATE/DELETE.
func reportReplicaIdentity(ctx context.Context, mgr *schema.Migrator) error {
	tables, err := mgr.ListUserTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables for replica identity check: %w", err)
	}

	issues, err := mgr.CheckReplicaIdentity(ctx, tables)
	if err != nil {
		return fmt.Errorf("check replica identity: %w", err)
	}
	if len(issues) == 0 {
		fmt.Println("Replica identity: all tables support reliable UPDATE/DELETE replication.")
		return nil
	}
	fmt.Println("Replica identity warnings:")
	for _, iss := range issues {
		fmt.Printf("  %s: replica identity %q cannot supply an old row for UPDATE/DELETE\n", iss.Table, iss.Identity)
	}
	return nil
}

func init() {
	compareCmd.Flags().BoolVar(&compareCheckIdentity, "check-replica-identity", false, "Also check source tables for replica identity issues that would affect CDC replication")
	rootCmd.AddCommand(compareCmd)
}
