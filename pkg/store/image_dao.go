package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const imageMetadataTable = "image_metadata"

const imageMetadataSchema = `
CREATE TABLE IF NOT EXISTS image_metadata (
	id         UUID PRIMARY KEY,
	source_ref UUID,
	doc        JSONB NOT NULL,
	created    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS image_metadata_source_ref_key
	ON image_metadata (source_ref) WHERE source_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS image_metadata_series_uid_idx
	ON image_metadata ((doc #>> '{dicom_tags,SeriesInstanceUID,Value,0}'));
CREATE INDEX IF NOT EXISTS image_metadata_drive_idx
	ON image_metadata ((doc #>> '{file_source,drive_name}'));
`

// ImageMetadataDao reads and writes per-file metadata documents.
type ImageMetadataDao struct {
	connector *Connector
}

// NewImageMetadataDao wraps a connector.
func NewImageMetadataDao(connector *Connector) *ImageMetadataDao {
	return &ImageMetadataDao{connector: connector}
}

// EnsureSchema creates the table and its indexes if missing. The partial
// unique index on source_ref is what makes concurrent pseudonymization runs
// safe: a second insert for the same source record is rejected, not doubled.
func (d *ImageMetadataDao) EnsureSchema(ctx context.Context) error {
	if _, err := d.connector.db.ExecContext(ctx, imageMetadataSchema); err != nil {
		return errors.Errorf("creating %s schema: %w", imageMetadataTable, err)
	}
	return nil
}

// Insert stores one document. A uniqueness collision (same id, or same
// source_ref on a mirror document) is returned as ErrDuplicate.
func (d *ImageMetadataDao) Insert(ctx context.Context, im *model.ImageMetadata) error {
	doc, err := json.Marshal(im)
	if err != nil {
		return errors.Errorf("marshaling image metadata %s: %w", im.ID, err)
	}

	var sourceRef any
	if im.SourceRef != nil {
		sourceRef = im.SourceRef.String()
	}

	_, err = d.connector.db.ExecContext(ctx,
		`INSERT INTO image_metadata (id, source_ref, doc) VALUES ($1, $2, $3)`,
		im.ID.String(), sourceRef, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("%w: image metadata %s", ErrDuplicate, im.ID)
		}
		return errors.Errorf("inserting image metadata %s: %w", im.ID, err)
	}
	return nil
}

// GetByID loads one document.
func (d *ImageMetadataDao) GetByID(ctx context.Context, id uuid.UUID) (*model.ImageMetadata, error) {
	var doc []byte
	err := d.connector.db.GetContext(ctx, &doc,
		`SELECT doc FROM image_metadata WHERE id = $1`, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Errorf("image metadata %s does not exist", id)
		}
		return nil, errors.Errorf("loading image metadata %s: %w", id, err)
	}

	var im model.ImageMetadata
	if err := json.Unmarshal(doc, &im); err != nil {
		return nil, errors.Errorf("unmarshaling image metadata %s: %w", id, err)
	}
	return &im, nil
}

// ExistsBySourceRef reports whether a mirror document derived from the given
// source record is already committed.
func (d *ImageMetadataDao) ExistsBySourceRef(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	var exists bool
	err := d.connector.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM image_metadata WHERE source_ref = $1)`, sourceID.String())
	if err != nil {
		return false, errors.Errorf("checking back-reference %s: %w", sourceID, err)
	}
	return exists, nil
}

// Find returns all documents matching the query.
func (d *ImageMetadataDao) Find(ctx context.Context, q Query) ([]model.ImageMetadata, error) {
	where, args := q.where()
	return d.queryDocs(ctx,
		`SELECT doc FROM image_metadata`+where+` ORDER BY created, id`, args)
}

// FindPage returns one page of matching documents in stable (created, id)
// order. Callers walking a large selection page through it instead of Find so
// only a bounded number of full documents is resident at a time.
func (d *ImageMetadataDao) FindPage(ctx context.Context, q Query, limit, offset int) ([]model.ImageMetadata, error) {
	where, args := q.where()
	query := fmt.Sprintf(
		`SELECT doc FROM image_metadata%s ORDER BY created, id LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	return d.queryDocs(ctx, query, args)
}

func (d *ImageMetadataDao) queryDocs(ctx context.Context, query string, args []any) ([]model.ImageMetadata, error) {
	rows, err := d.connector.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Errorf("querying image metadata: %w", err)
	}
	defer rows.Close()

	var out []model.ImageMetadata
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Errorf("scanning image metadata row: %w", err)
		}
		var im model.ImageMetadata
		if err := json.Unmarshal(doc, &im); err != nil {
			return nil, errors.Errorf("unmarshaling image metadata row: %w", err)
		}
		out = append(out, im)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("iterating image metadata rows: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Int("count", len(out)).Msg("loaded image metadata documents")
	return out, nil
}

// Count returns the number of documents matching the query.
func (d *ImageMetadataDao) Count(ctx context.Context, q Query) (int64, error) {
	where, args := q.where()

	var count int64
	err := d.connector.db.GetContext(ctx,
		&count, `SELECT count(*) FROM image_metadata`+where, args...)
	if err != nil {
		return 0, errors.Errorf("counting image metadata: %w", err)
	}
	return count, nil
}

// DriveNameCounts groups the matching documents by source drive name. The
// orchestrator uses it to verify the mount-path configuration before any
// record is processed.
func (d *ImageMetadataDao) DriveNameCounts(ctx context.Context, q Query) (map[string]int64, error) {
	where, args := q.where()

	rows, err := d.connector.db.QueryxContext(ctx,
		`SELECT doc #>> '{file_source,drive_name}' AS drive, count(*)
		 FROM image_metadata`+where+`
		 GROUP BY drive`, args...)
	if err != nil {
		return nil, errors.Errorf("aggregating drive names: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var drive sql.NullString
		var count int64
		if err := rows.Scan(&drive, &count); err != nil {
			return nil, errors.Errorf("scanning drive name row: %w", err)
		}
		counts[drive.String] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("iterating drive name rows: %w", err)
	}
	return counts, nil
}

// SetSeriesID links an image to its aggregated series.
func (d *ImageMetadataDao) SetSeriesID(ctx context.Context, id, seriesID uuid.UUID) error {
	return d.setRef(ctx, id, "series_id", seriesID)
}

// SetStudyID links an image to its aggregated study.
func (d *ImageMetadataDao) SetStudyID(ctx context.Context, id, studyID uuid.UUID) error {
	return d.setRef(ctx, id, "study_id", studyID)
}

func (d *ImageMetadataDao) setRef(ctx context.Context, id uuid.UUID, field string, ref uuid.UUID) error {
	res, err := d.connector.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE image_metadata SET doc = jsonb_set(doc, '{%s}', to_jsonb($1::text)) WHERE id = $2`, field),
		ref.String(), id.String())
	if err != nil {
		return errors.Errorf("setting %s on image metadata %s: %w", field, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Errorf("setting %s on image metadata %s: %w", field, id, err)
	}
	if n != 1 {
		return errors.Errorf("image metadata %s does not exist", id)
	}
	return nil
}

// ProtoGroup is the result of grouping images by a shared tag value: the
// grouping key plus the member document ids.
type ProtoGroup struct {
	Key      string
	ImageIDs []uuid.UUID
}

// GroupByTagValue aggregates images by the first value of the given tag
// keyword, skipping documents that lack it. Used by the grouping stage to
// build proto-series (SeriesInstanceUID) and proto-patients (PatientID).
func (d *ImageMetadataDao) GroupByTagValue(ctx context.Context, keyword string) ([]ProtoGroup, error) {
	path := fmt.Sprintf("'{dicom_tags,%s,Value,0}'", keyword)

	rows, err := d.connector.db.QueryxContext(ctx,
		`SELECT doc #>> `+path+` AS key, array_agg(id) AS ids
		 FROM image_metadata
		 WHERE doc #> `+path+` IS NOT NULL
		 GROUP BY key`)
	if err != nil {
		return nil, errors.Errorf("grouping by %s: %w", keyword, err)
	}
	defer rows.Close()

	return scanProtoGroups(rows, keyword)
}

// GroupByPatientAndDate aggregates images into proto-studies: one group per
// (PatientID, StudyDate) pair, the key rendered as "patient|date".
func (d *ImageMetadataDao) GroupByPatientAndDate(ctx context.Context) ([]ProtoGroup, error) {
	rows, err := d.connector.db.QueryxContext(ctx,
		`SELECT (doc #>> '{dicom_tags,PatientID,Value,0}') || '|' ||
		        coalesce(doc #>> '{dicom_tags,StudyDate,Value,0}', '') AS key,
		        array_agg(id) AS ids
		 FROM image_metadata
		 WHERE doc #> '{dicom_tags,PatientID,Value,0}' IS NOT NULL
		 GROUP BY key`)
	if err != nil {
		return nil, errors.Errorf("grouping by patient and date: %w", err)
	}
	defer rows.Close()

	return scanProtoGroups(rows, "PatientID|StudyDate")
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanProtoGroups(rows rowScanner, what string) ([]ProtoGroup, error) {
	var out []ProtoGroup
	for rows.Next() {
		var key string
		var rawIDs []string
		if err := rows.Scan(&key, pq.Array(&rawIDs)); err != nil {
			return nil, errors.Errorf("scanning %s group row: %w", what, err)
		}
		ids := make([]uuid.UUID, 0, len(rawIDs))
		for _, raw := range rawIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, errors.Errorf("parsing grouped id %q: %w", raw, err)
			}
			ids = append(ids, id)
		}
		out = append(out, ProtoGroup{Key: key, ImageIDs: ids})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("iterating %s group rows: %w", what, err)
	}
	return out, nil
}
