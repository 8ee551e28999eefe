package commands

import (
	"os"

	"github.com/dicomirror/dicomirror/pkg/deid"
	"github.com/dicomirror/dicomirror/pkg/pipeline"
	"github.com/dicomirror/dicomirror/pkg/relocate"
	"github.com/dicomirror/dicomirror/pkg/status"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

// NewPseudonymizeCmd creates the pseudonymize command.
func NewPseudonymizeCmd(opts *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pseudonymize",
		Short: "Mirror source records into the destination with identities removed",
		Long: `Pseudonymize processes every source record matched by the configured query:
tags are transformed by the composed recipe, the file is copied into a
destination tree named after the hashed identifiers, and a mirror document
is committed to the destination store. Records already mirrored are skipped,
so interrupted runs can simply be restarted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx = zerolog.Ctx(ctx).With().Str("command", "pseudonymize").Logger().WithContext(ctx)

			cfg, err := opts.LoadConfig(ctx)
			if err != nil {
				return err
			}

			recipe, err := deid.ComposeRecipes(cfg.Recipe.Base, cfg.Recipe.MR, cfg.Recipe.Paths)
			if err != nil {
				return errors.Errorf("composing recipes: %w", err)
			}
			deider := deid.NewDeider(recipe, deid.NewHasher(os.Getenv(cfg.SecretEnv)))

			srcConn, srcDao, err := connectSource(ctx, cfg)
			if err != nil {
				return err
			}
			defer srcConn.Close()

			dstConn, dstDao, err := connectDestination(ctx, cfg)
			if err != nil {
				return err
			}
			defer dstConn.Close()

			coordinator, err := pipeline.NewCoordinator(pipeline.CoordinatorOptions{
				Deider:      deider,
				Relocator:   relocate.New(cfg.MountPaths),
				Destination: dstDao,
				DestDrive:   cfg.DestinationDrive,
				DestRelDir:  cfg.DestinationRelDir,
				ProjectName: cfg.ProjectName,
			})
			if err != nil {
				return errors.Errorf("building coordinator: %w", err)
			}

			reporter := status.NewReporter(opts.Quiet)
			orchestrator, err := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
				Source:      srcDao,
				Coordinator: coordinator,
				Mounts:      cfg.MountPaths,
				DestDrive:   cfg.DestinationDrive,
				BatchSize:   cfg.BatchSize,
				Workers:     cfg.Workers,
				Reporter:    reporter,
			})
			if err != nil {
				return errors.Errorf("building orchestrator: %w", err)
			}

			summary, err := orchestrator.Run(ctx, cfg.StoreQuery())
			summary.Print(cmd.OutOrStdout())
			if err != nil {
				return errors.Errorf("running pipeline: %w", err)
			}
			if summary.HasFailures() {
				return errors.Errorf("%d of %d records failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	return cmd
}
