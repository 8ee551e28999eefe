// Package ingest discovers DICOM files on mounted drives and loads their
// header metadata into the source store. Pixel data is never read past the
// header, and private tags are dropped at the door.
package ingest

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// Inserter is the slice of the source store the ingestor writes to.
type Inserter interface {
	Insert(ctx context.Context, im *model.ImageMetadata) error
	Count(ctx context.Context, q store.Query) (int64, error)
}

// 🔧 Options configures an Ingestor.
type Options struct {
	Mounts model.MountPaths
	Store  Inserter
	// IgnorePatterns are doublestar globs matched against drive-relative
	// paths; matching files are skipped.
	IgnorePatterns []string
	ProjectName    string
	Workers        int
}

// 🏭 New validates the options and builds an Ingestor.
func New(opts Options) (*Ingestor, error) {
	if len(opts.Mounts) == 0 {
		return nil, errors.New("mount paths are required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	for _, pattern := range opts.IgnorePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	return &Ingestor{opts: opts}, nil
}

// 📥 Ingestor walks one drive at a time and records every DICOM file found.
type Ingestor struct {
	opts Options
}

// Stats counts one ingest run.
type Stats struct {
	Discovered int
	Inserted   int
	Skipped    int
	Failed     int
}

// Run discovers and ingests every DICOM file on the named drive. Per-file
// failures are counted and logged, never fatal; an unmounted drive is.
func (ing *Ingestor) Run(ctx context.Context, drive string) (Stats, error) {
	logger := zerolog.Ctx(ctx)

	root, ok := ing.opts.Mounts[drive]
	if !ok {
		return Stats{}, errors.Errorf("drive %q is not mounted", drive)
	}

	paths, err := ing.discover(ctx, root)
	if err != nil {
		return Stats{}, errors.Errorf("discovering files on %q: %w", drive, err)
	}
	logger.Info().Str("drive", drive).Int("files", len(paths)).Msg("discovered DICOM files")

	var (
		mu    sync.Mutex
		stats = Stats{Discovered: len(paths)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.opts.Workers)
	for _, relPath := range paths {
		relPath := relPath
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, err := ing.ingestFile(gctx, drive, root, relPath)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
				logger.Warn().Err(err).Str("path", relPath).Msg("file skipped after error")
			case outcome == outcomeSkipped:
				stats.Skipped++
			default:
				stats.Inserted++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	logger.Info().Str("drive", drive).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("ingest finished")
	return stats, nil
}

type fileOutcome int

const (
	outcomeInserted fileOutcome = iota
	outcomeSkipped
)

func (ing *Ingestor) ingestFile(ctx context.Context, drive, root, relPath string) (fileOutcome, error) {
	// A file already recorded for this drive and path is a no-op, so
	// re-running ingest after a partial run converges instead of
	// duplicating.
	seen, err := ing.opts.Store.Count(ctx, store.Query{Equals: map[string]string{
		"file_source.drive_name": drive,
		"file_source.rel_path":   relPath,
	}})
	if err != nil {
		return 0, errors.Errorf("checking for existing record: %w", err)
	}
	if seen > 0 {
		return outcomeSkipped, nil
	}

	tags, err := parseHeader(filepath.Join(root, relPath))
	if err != nil {
		return 0, err
	}

	im := &model.ImageMetadata{
		ID:         uuid.New(),
		Meta:       model.NewMetadata(ing.opts.ProjectName),
		DicomTags:  tags,
		FileSource: model.NewFileSource(drive, relPath),
	}
	if err := ing.opts.Store.Insert(ctx, im); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return outcomeSkipped, nil
		}
		return 0, errors.Errorf("inserting record: %w", err)
	}
	return outcomeInserted, nil
}

// discover walks the drive root and returns relative paths of DICOM files,
// identified by extension or by the DICM marker at byte offset 128.
func (ing *Ingestor) discover(ctx context.Context, root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		for _, pattern := range ing.opts.IgnorePatterns {
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
				return nil
			}
		}
		if !looksLikeDicom(path) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func looksLikeDicom(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".dcm") {
		return true
	}
	return hasDicomMagicBytes(path)
}

// hasDicomMagicBytes reports whether the file carries "DICM" at byte
// offset 128, the preamble marker of part-10 DICOM files.
func hasDicomMagicBytes(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, 132)
	if _, err := io.ReadFull(file, header); err != nil {
		return false
	}
	return string(header[128:132]) == "DICM"
}

// parseHeader reads the DICOM header into a keyword tag set. Pixel data,
// private tags, and sequences are left out: the store holds searchable
// scalar metadata, not a faithful copy of the file.
func parseHeader(path string) (model.TagSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("opening file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Errorf("statting file: %w", err)
	}

	ds, err := dicom.Parse(file, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, errors.Errorf("parsing DICOM header: %w", err)
	}

	tags := model.TagSet{}
	for _, elem := range ds.Elements {
		if elem.Tag.Group%2 == 1 {
			// private tag
			continue
		}
		if elem.Tag == tag.PixelData || elem.Value == nil {
			continue
		}
		info, err := tag.Find(elem.Tag)
		if err != nil || info.Name == "" {
			continue
		}
		values := scalarValues(elem.Value.GetValue())
		if values == nil {
			continue
		}
		tags[info.Name] = model.TagValue{
			VR:    elem.RawValueRepresentation,
			Value: values,
		}
	}
	return tags, nil
}

// scalarValues normalizes a parsed element value to the document form.
// Binary payloads and sequences return nil and are dropped.
func scalarValues(v any) []any {
	switch vv := v.(type) {
	case []string:
		out := make([]any, 0, len(vv))
		for _, s := range vv {
			out = append(out, strings.TrimSpace(s))
		}
		return out
	case []int:
		out := make([]any, 0, len(vv))
		for _, n := range vv {
			out = append(out, n)
		}
		return out
	case []float64:
		out := make([]any, 0, len(vv))
		for _, f := range vv {
			out = append(out, f)
		}
		return out
	case string:
		return []any{strings.TrimSpace(vv)}
	case int:
		return []any{vv}
	case float64:
		return []any{vv}
	default:
		return nil
	}
}
