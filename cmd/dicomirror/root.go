package main

import (
	"os"

	"github.com/dicomirror/dicomirror/cmd/dicomirror/commands"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := &commands.RootOpts{}

	rootCmd := &cobra.Command{
		Use:   "dicomirror",
		Short: "Pseudonymize DICOM metadata into a mirror database and file tree",
		Long: `dicomirror maintains a pseudonymized mirror of a DICOM metadata store.
It ingests file headers into a source database, groups them into series,
studies and patients, and mirrors them into a destination database with
identifying tags hashed, replaced or removed and the files relocated into
a tree derived from the pseudonymized identifiers.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logLevel := zerolog.InfoLevel
			if opts.Debug {
				logLevel = zerolog.DebugLevel
			}
			logger := zerolog.New(os.Stderr).Level(logLevel).With().Timestamp().Logger()
			cmd.SetContext(logger.WithContext(cmd.Context()))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "dicomirror.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Suppress the progress bar")

	rootCmd.AddCommand(
		commands.NewPseudonymizeCmd(opts),
		commands.NewIngestCmd(opts),
		commands.NewGroupCmd(opts),
	)

	return rootCmd
}
