package commands

import (
	"github.com/dicomirror/dicomirror/pkg/group"
	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

// NewGroupCmd creates the group command.
func NewGroupCmd(opts *RootOpts) *cobra.Command {
	var destination bool

	cmd := &cobra.Command{
		Use:   "group",
		Short: "Aggregate image metadata into series, studies and patients",
		Long: `Group builds the entity layers bottom-up: series by SeriesInstanceUID,
studies by patient and study date, patients by PatientID. Shared tags are
the intersection of the member tag sets. Re-running converges; existing
entities are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx = zerolog.Ctx(ctx).With().Str("command", "group").Logger().WithContext(ctx)

			cfg, err := opts.LoadConfig(ctx)
			if err != nil {
				return err
			}

			connect := connectSource
			if destination {
				connect = connectDestination
			}
			conn, imageDao, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			entityDao := store.NewEntityDao(conn)
			if err := entityDao.EnsureSchema(ctx); err != nil {
				return errors.Errorf("preparing entity schema: %w", err)
			}

			grouper, err := group.New(imageDao, entityDao, cfg.ProjectName)
			if err != nil {
				return errors.Errorf("building grouper: %w", err)
			}

			stats, err := grouper.Run(ctx)
			if err != nil {
				return errors.Errorf("grouping: %w", err)
			}

			zerolog.Ctx(ctx).Info().
				Int("series", stats.Series).
				Int("studies", stats.Studies).
				Int("patients", stats.Patients).
				Int("skipped", stats.Skipped).
				Int("failed", stats.Failed).
				Msg("grouping finished")
			if stats.Failed > 0 {
				return errors.Errorf("%d groups failed", stats.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&destination, "destination", false, "Group the destination store instead of the source")

	return cmd
}
