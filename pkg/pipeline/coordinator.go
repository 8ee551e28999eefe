// Package pipeline drives pseudonymization: a Coordinator turns one source
// record into a committed mirror document plus a relocated file, and an
// Orchestrator fans records out over a bounded pool of workers.
package pipeline

import (
	"context"
	"fmt"
	"path"

	"github.com/dicomirror/dicomirror/pkg/deid"
	"github.com/dicomirror/dicomirror/pkg/fspath"
	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/dicomirror/dicomirror/pkg/relocate"
	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// 🔌 Source is the read side of the pipeline: the store holding the real
// image metadata. It is never written by this package.
type Source interface {
	// FindPage returns one page of matching records in a stable order. The
	// orchestrator pages through the selection so whole cohorts never sit in
	// memory at once.
	FindPage(ctx context.Context, q store.Query, limit, offset int) ([]model.ImageMetadata, error)
	// Count returns how many records match the query.
	Count(ctx context.Context, q store.Query) (int64, error)
	// DriveNameCounts groups the matching records by source drive name.
	DriveNameCounts(ctx context.Context, q store.Query) (map[string]int64, error)
}

// 🔌 Destination is the write side: the store receiving mirror documents.
// Its uniqueness constraint on the back-reference is the authority on
// "already processed".
type Destination interface {
	// Insert stores a mirror document; store.ErrDuplicate on collision.
	Insert(ctx context.Context, im *model.ImageMetadata) error
	// ExistsBySourceRef reports whether a mirror of the given source
	// record is already committed.
	ExistsBySourceRef(ctx context.Context, sourceID uuid.UUID) (bool, error)
}

// Outcome classifies one unit of work.
type Outcome int

const (
	// OutcomeCommitted: mirror document and file were created.
	OutcomeCommitted Outcome = iota
	// OutcomeSkipped: a mirror already existed; nothing was done.
	OutcomeSkipped
	// OutcomeFailed: the record could not be processed; see Result.Err.
	OutcomeFailed
)

// String returns a log-friendly name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// FailureReason attributes a failure to the stage that caused it.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureSourceRead
	FailureTransform
	FailureRelocation
	FailureDestinationWrite
)

// String returns a log-friendly name.
func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailureSourceRead:
		return "source_read"
	case FailureTransform:
		return "transform"
	case FailureRelocation:
		return "relocation"
	case FailureDestinationWrite:
		return "destination_write"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// Result is the outcome of processing one record.
type Result struct {
	ID      uuid.UUID
	Outcome Outcome
	Reason  FailureReason
	Err     error
}

// 🔧 CoordinatorOptions wires a Coordinator's collaborators. Everything in
// here is immutable for the duration of a run and shared across workers.
type CoordinatorOptions struct {
	// Deider applies the recipe.
	Deider *deid.Deider
	// Relocator copies files into the destination tree.
	Relocator *relocate.Relocator
	// Destination receives mirror documents.
	Destination Destination
	// DestDrive is the logical drive the mirror tree lives on.
	DestDrive string
	// DestRelDir is a fixed directory prefix inside the drive, may be "".
	DestRelDir string
	// ProjectName is stamped into mirror document metadata.
	ProjectName string
}

// 🏭 NewCoordinator validates the options and builds a Coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Deider == nil {
		return nil, errors.New("deider is required")
	}
	if opts.Relocator == nil {
		return nil, errors.New("relocator is required")
	}
	if opts.Destination == nil {
		return nil, errors.New("destination store is required")
	}
	if opts.DestDrive == "" {
		return nil, errors.New("destination drive is required")
	}
	return &Coordinator{opts: opts}, nil
}

// 🎮 Coordinator executes one unit of work at a time. It is stateless and
// safe for concurrent use by multiple workers.
type Coordinator struct {
	opts CoordinatorOptions
}

// Process runs one record through transform → relocate → insert. The
// destination insert is strictly the last action: a failure anywhere earlier
// can leave at most an orphaned file on disk, never a visible mirror
// document. Re-processing an already-committed record returns Skipped.
func (c *Coordinator) Process(ctx context.Context, rec model.ImageMetadata) Result {
	logger := zerolog.Ctx(ctx).With().Stringer("id", rec.ID).Logger()
	ctx = logger.WithContext(ctx)

	done, err := c.opts.Destination.ExistsBySourceRef(ctx, rec.ID)
	if err != nil {
		return failure(rec.ID, FailureDestinationWrite, errors.Errorf("checking back-reference: %w", err))
	}
	if done {
		return Result{ID: rec.ID, Outcome: OutcomeSkipped}
	}

	transformed, err := c.opts.Deider.Pseudonymize(rec.DicomTags)
	if err != nil {
		return failure(rec.ID, FailureTransform, errors.Errorf("transforming tags: %w", err))
	}

	relPath, err := fspath.InstancePath(transformed)
	if err != nil {
		return failure(rec.ID, FailureTransform, errors.Errorf("deriving destination path: %w", err))
	}
	dst := model.NewFileSource(c.opts.DestDrive, path.Join(c.opts.DestRelDir, relPath))

	if err := c.opts.Relocator.Relocate(ctx, rec.FileSource, dst); err != nil {
		reason := FailureRelocation
		if errors.Is(err, relocate.ErrSourceRead) {
			reason = FailureSourceRead
		}
		return failure(rec.ID, reason, err)
	}

	mirror := &model.ImageMetadata{
		// The mirror keeps the source document's id so that an operator
		// with access to both databases can pair rows directly.
		ID:         rec.ID,
		Meta:       model.NewMetadata(c.opts.ProjectName),
		DicomTags:  transformed,
		FileSource: dst,
		SourceRef:  &rec.ID,
	}

	if err := c.opts.Destination.Insert(ctx, mirror); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent worker (or overlapping run) committed first.
			// The relocated file is identical by determinism; nothing to
			// undo.
			return Result{ID: rec.ID, Outcome: OutcomeSkipped}
		}
		return failure(rec.ID, FailureDestinationWrite, errors.Errorf("inserting mirror document: %w", err))
	}

	logger.Debug().Str("dst", dst.RelPath).Msg("unit of work committed")
	return Result{ID: rec.ID, Outcome: OutcomeCommitted}
}

func failure(id uuid.UUID, reason FailureReason, err error) Result {
	return Result{ID: id, Outcome: OutcomeFailed, Reason: reason, Err: err}
}
