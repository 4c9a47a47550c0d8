package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgmigrator/internal/migration/pipeline"
)

var (
	cloneFollow bool
	cloneResume bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy schema and data from source to destination",
	Long: `Clone performs a full copy of the source database to the destination:
1. Dumps and applies schema (DDL)
2. Creates a replication slot for a consistent snapshot
3. Copies all tables in parallel using the snapshot
4. With --follow, transitions to CDC streaming after the copy

Use --resume to continue an interrupted clone. This requires that the
replication slot from the original clone still exists on the source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		if cloneResume && !cloneFollow {
			return fmt.Errorf("--resume requires --follow (resume always transitions to CDC streaming)")
		}

		p := pipeline.New(&cfg, logger)
		defer p.Close()

		run := p.RunClone
		if cloneFollow {
			run = p.RunCloneAndFollow
		}
		if cloneResume {
			run = p.RunResumeCloneAndFollow
		}

		return run(cmd.Context())
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Continue with CDC streaming after initial copy")
	cloneCmd.Flags().BoolVar(&cloneResume, "resume", false, "Resume an interrupted clone (requires existing replication slot)")
	rootCmd.AddCommand(cloneCmd)
}
