package pipeline

import (
	"context"

	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/dicomirror/dicomirror/pkg/status"
	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// 🔧 OrchestratorOptions configures a run over a whole selection of records.
type OrchestratorOptions struct {
	Source      Source
	Coordinator *Coordinator
	// Mounts maps logical drive names to mounted paths; every drive the
	// selection references must appear here.
	Mounts    model.MountPaths
	DestDrive string
	BatchSize int
	Workers   int
	Reporter  *status.Reporter
}

// 🏭 NewOrchestrator validates the options and builds an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Source == nil {
		return nil, errors.New("source store is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if len(opts.Mounts) == 0 {
		return nil, errors.New("mount paths are required")
	}
	if opts.DestDrive == "" {
		return nil, errors.New("destination drive is required")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		return nil, errors.Errorf("worker count must be positive, got %d", opts.Workers)
	}
	if opts.Reporter == nil {
		return nil, errors.New("reporter is required")
	}
	return &Orchestrator{opts: opts}, nil
}

// 🚀 Orchestrator runs the selection end to end: preflight, batching,
// bounded concurrency, and summary accounting.
type Orchestrator struct {
	opts OrchestratorOptions
}

// Run processes every record matching the query. Individual record failures
// are recorded in the summary and never abort the run; only a misconfigured
// environment (preflight) or context cancellation stops it early.
func (o *Orchestrator) Run(ctx context.Context, q store.Query) (status.Summary, error) {
	logger := zerolog.Ctx(ctx)

	total, err := o.preflight(ctx, q)
	if err != nil {
		return status.Summary{}, errors.Errorf("preflight: %w", err)
	}
	logger.Info().Int64("records", total).
		Int("batch_size", o.opts.BatchSize).
		Int("workers", o.opts.Workers).
		Msg("starting run")

	o.opts.Reporter.Start(ctx, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	// Batches are paged out of the source one at a time; SetLimit blocks the
	// paging loop once Workers batches are in flight, so at most Workers+1
	// pages of full documents are resident. The source store is read-only
	// during a run, which keeps offset paging stable.
	var pageErr error
	for offset := 0; ; offset += o.opts.BatchSize {
		if gctx.Err() != nil {
			break
		}
		batch, err := o.opts.Source.FindPage(gctx, q, o.opts.BatchSize, offset)
		if err != nil {
			pageErr = errors.Errorf("loading source records at offset %d: %w", offset, err)
			break
		}
		if len(batch) == 0 {
			break
		}
		g.Go(func() error {
			return o.processBatch(gctx, batch)
		})
		if len(batch) < o.opts.BatchSize {
			break
		}
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = pageErr
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	summary := o.opts.Reporter.Finish(ctx)
	if runErr != nil {
		return summary, errors.Errorf("run aborted: %w", runErr)
	}
	return summary, nil
}

// processBatch handles one batch sequentially, checking for cancellation
// between units so a stop request never interrupts a unit mid-flight.
func (o *Orchestrator) processBatch(ctx context.Context, batch []model.ImageMetadata) error {
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := o.opts.Coordinator.Process(ctx, rec)
		switch res.Outcome {
		case OutcomeCommitted:
			o.opts.Reporter.Committed(ctx, res.ID)
		case OutcomeSkipped:
			o.opts.Reporter.Skipped(ctx, res.ID)
		case OutcomeFailed:
			o.opts.Reporter.Failed(ctx, res.ID, res.Err)
		}
	}
	return nil
}

// preflight verifies the environment before any record is touched: every
// source drive referenced by the selection must be mounted, and so must the
// destination drive. A miss here is a configuration error and fatal. Returns
// the number of matching records.
func (o *Orchestrator) preflight(ctx context.Context, q store.Query) (int64, error) {
	total, err := o.opts.Source.Count(ctx, q)
	if err != nil {
		return 0, errors.Errorf("counting source records: %w", err)
	}
	if total == 0 {
		zerolog.Ctx(ctx).Warn().Msg("query matches no records")
	}

	drives, err := o.opts.Source.DriveNameCounts(ctx, q)
	if err != nil {
		return 0, errors.Errorf("grouping source records by drive: %w", err)
	}
	for drive, n := range drives {
		if _, ok := o.opts.Mounts[drive]; !ok {
			return 0, errors.Errorf("source drive %q (%d records) is not mounted", drive, n)
		}
	}
	if _, ok := o.opts.Mounts[o.opts.DestDrive]; !ok {
		return 0, errors.Errorf("destination drive %q is not mounted", o.opts.DestDrive)
	}

	zerolog.Ctx(ctx).Info().Int64("records", total).
		Int("source_drives", len(drives)).
		Msg("preflight passed")
	return total, nil
}
