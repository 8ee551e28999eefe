package commands

import (
	"github.com/dicomirror/dicomirror/pkg/ingest"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

// NewIngestCmd creates the ingest command.
func NewIngestCmd(opts *RootOpts) *cobra.Command {
	var ignorePatterns []string

	cmd := &cobra.Command{
		Use:   "ingest <drive>...",
		Short: "Discover DICOM files on mounted drives and record their headers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx = zerolog.Ctx(ctx).With().Str("command", "ingest").Logger().WithContext(ctx)

			cfg, err := opts.LoadConfig(ctx)
			if err != nil {
				return err
			}

			srcConn, srcDao, err := connectSource(ctx, cfg)
			if err != nil {
				return err
			}
			defer srcConn.Close()

			ingestor, err := ingest.New(ingest.Options{
				Mounts:         cfg.MountPaths,
				Store:          srcDao,
				IgnorePatterns: ignorePatterns,
				ProjectName:    cfg.ProjectName,
				Workers:        cfg.Workers,
			})
			if err != nil {
				return errors.Errorf("building ingestor: %w", err)
			}

			failed := 0
			for _, drive := range args {
				stats, err := ingestor.Run(ctx, drive)
				if err != nil {
					return errors.Errorf("ingesting drive %q: %w", drive, err)
				}
				failed += stats.Failed
			}
			if failed > 0 {
				return errors.Errorf("%d files failed to ingest", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ignorePatterns, "ignore", nil, "Glob patterns of files to skip (repeatable)")

	return cmd
}
