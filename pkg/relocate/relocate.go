// Package relocate copies image files into the pseudonymized destination
// tree. Copies are published atomically: bytes go to a temporary file in the
// destination directory first and are renamed into place only once complete,
// so a crashed or cancelled run never leaves a truncated destination file
// visible under its final name.
package relocate

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Sentinel errors let callers distinguish an unreadable source from an
// unwritable destination; the two are reported differently.
var (
	ErrSourceRead       = errors.New("source file unreadable")
	ErrDestinationWrite = errors.New("destination unwritable")
)

// Relocator copies files between mounted drives.
type Relocator struct {
	mounts model.MountPaths
}

// New creates a Relocator resolving drive names through mounts.
func New(mounts model.MountPaths) *Relocator {
	return &Relocator{mounts: mounts}
}

// Relocate copies the bytes of src to dst, creating missing destination
// directories. The source is never modified or removed.
func (r *Relocator) Relocate(ctx context.Context, src, dst model.FileSource) error {
	logger := zerolog.Ctx(ctx)

	srcPath, err := r.mounts.Resolve(src)
	if err != nil {
		return errors.Errorf("%w: %w", ErrSourceRead, err)
	}
	dstPath, err := r.mounts.Resolve(dst)
	if err != nil {
		return errors.Errorf("%w: %w", ErrDestinationWrite, err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return errors.Errorf("%w: opening %s: %w", ErrSourceRead, srcPath, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return errors.Errorf("%w: creating parent directories: %w", ErrDestinationWrite, err)
	}

	// Temp file in the destination directory so the final rename stays on
	// one filesystem and is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".tmp*")
	if err != nil {
		return errors.Errorf("%w: creating temp file: %w", ErrDestinationWrite, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Errorf("%w: copying %s: %w", ErrDestinationWrite, srcPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Errorf("%w: syncing temp file: %w", ErrDestinationWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Errorf("%w: closing temp file: %w", ErrDestinationWrite, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return errors.Errorf("%w: setting permissions: %w", ErrDestinationWrite, err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return errors.Errorf("%w: publishing %s: %w", ErrDestinationWrite, dstPath, err)
	}

	logger.Debug().Str("src", srcPath).Str("dst", dstPath).Msg("relocated file")
	return nil
}
