package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgmigrator/internal/migration/pipeline"
	"github.com/jfoltran/pgmigrator/pkg/lsn"
)

var followStartLSN string

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream CDC changes from source to destination",
	Long: `Follow starts consuming the WAL stream from the replication slot and
applies changes to the destination database in real-time.
The replication slot must already exist (created by a previous clone).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		var startLSN lsn.LSN
		if followStartLSN != "" {
			var err error
			startLSN, err = lsn.Parse(followStartLSN)
			if err != nil {
				return err
			}
		}

		p := pipeline.New(&cfg, logger)
		defer p.Close()

		return p.RunFollow(cmd.Context(), startLSN)
	},
}

func init() {
	followCmd.Flags().StringVar(&followStartLSN, "start-lsn", "", "LSN to start streaming from (e.g. 0/1234ABC)")
	rootCmd.AddCommand(followCmd)
}
