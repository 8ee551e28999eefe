// Package status tracks per-record outcomes during a run and renders
// progress and the final summary on the console.
package status

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
)

// 📊 Summary is the final tally of a run.
type Summary struct {
	Total     int64
	Committed int64
	Skipped   int64
	Failed    int64

	// FailedIDs identifies the records to retry.
	FailedIDs []uuid.UUID
}

// HasFailures reports whether any unit of work failed. The process exits
// non-zero when it returns true.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// Print renders the summary. Failures are listed individually so a retry run
// can be scoped to exactly those records.
func (s Summary) Print(w io.Writer) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "processed %d record(s)\n", s.Total)
	color.New(color.FgGreen).Fprintf(w, "  committed: %d\n", s.Committed)
	color.New(color.FgYellow).Fprintf(w, "  skipped:   %d\n", s.Skipped)
	if s.Failed > 0 {
		color.New(color.FgRed).Fprintf(w, "  failed:    %d\n", s.Failed)
		for _, id := range s.FailedIDs {
			fmt.Fprintf(w, "    - %s\n", id)
		}
	} else {
		fmt.Fprintf(w, "  failed:    0\n")
	}
}

// 📈 Reporter collects outcomes from concurrent workers. All methods are
// safe for concurrent use.
type Reporter struct {
	mu      sync.Mutex
	summary Summary
	bar     *pterm.ProgressbarPrinter
	quiet   bool
}

// NewReporter creates a Reporter. With quiet set it skips the progress bar
// and only logs; tests and non-interactive runs use that.
func NewReporter(quiet bool) *Reporter {
	return &Reporter{quiet: quiet}
}

// Start announces the number of records the run will see.
func (r *Reporter) Start(ctx context.Context, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary = Summary{Total: total}
	if !r.quiet {
		bar, err := pterm.DefaultProgressbar.WithTotal(int(total)).WithTitle("records").Start()
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("progress bar unavailable")
		} else {
			r.bar = bar
		}
	}
	zerolog.Ctx(ctx).Info().Int64("total", total).Msg("starting run")
}

// Committed records a successfully committed unit of work.
func (r *Reporter) Committed(ctx context.Context, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Committed++
	r.tick()
	zerolog.Ctx(ctx).Debug().Stringer("id", id).Msg("committed")
}

// Skipped records an already-done unit of work.
func (r *Reporter) Skipped(ctx context.Context, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Skipped++
	r.tick()
	zerolog.Ctx(ctx).Debug().Stringer("id", id).Msg("skipped, already done")
}

// Failed records a failed unit of work. The failure never stops the run; it
// is logged and kept for the summary.
func (r *Reporter) Failed(ctx context.Context, id uuid.UUID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failed++
	r.summary.FailedIDs = append(r.summary.FailedIDs, id)
	r.tick()
	zerolog.Ctx(ctx).Error().Stringer("id", id).Err(err).Msg("record failed")
}

// Finish stops the progress bar and returns the summary.
func (r *Reporter) Finish(ctx context.Context) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar != nil {
		if _, err := r.bar.Stop(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("stopping progress bar")
		}
		r.bar = nil
	}
	return r.summary
}

func (r *Reporter) tick() {
	if r.bar != nil {
		r.bar.Increment()
	}
}
