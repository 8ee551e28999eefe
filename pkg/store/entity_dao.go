package store

import (
	"context"
	"encoding/json"

	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

const entitySchema = `
CREATE TABLE IF NOT EXISTS series (
	id         UUID PRIMARY KEY,
	series_uid TEXT NOT NULL UNIQUE,
	doc        JSONB NOT NULL,
	created    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS studies (
	id          UUID PRIMARY KEY,
	patient_key TEXT NOT NULL,
	study_date  TEXT NOT NULL DEFAULT '',
	doc         JSONB NOT NULL,
	created     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (patient_key, study_date)
);
CREATE TABLE IF NOT EXISTS patients (
	id      UUID PRIMARY KEY,
	anon_id TEXT NOT NULL UNIQUE,
	doc     JSONB NOT NULL,
	created TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EntityDao persists the aggregated series/study/patient entities. Unique
// indexes on the natural keys make re-running the grouping stage a no-op for
// groups that already exist.
type EntityDao struct {
	connector *Connector
}

// NewEntityDao wraps a connector.
func NewEntityDao(connector *Connector) *EntityDao {
	return &EntityDao{connector: connector}
}

// EnsureSchema creates the aggregation tables if missing.
func (d *EntityDao) EnsureSchema(ctx context.Context) error {
	if _, err := d.connector.db.ExecContext(ctx, entitySchema); err != nil {
		return errors.Errorf("creating aggregation schema: %w", err)
	}
	return nil
}

// InsertSeries stores one series; ErrDuplicate when the series UID is taken.
func (d *EntityDao) InsertSeries(ctx context.Context, s *model.Series) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return errors.Errorf("marshaling series %s: %w", s.SeriesUID, err)
	}
	_, err = d.connector.db.ExecContext(ctx,
		`INSERT INTO series (id, series_uid, doc) VALUES ($1, $2, $3)`,
		s.ID.String(), s.SeriesUID, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("%w: series %s", ErrDuplicate, s.SeriesUID)
		}
		return errors.Errorf("inserting series %s: %w", s.SeriesUID, err)
	}
	return nil
}

// InsertStudy stores one study; ErrDuplicate when (patient, date) is taken.
func (d *EntityDao) InsertStudy(ctx context.Context, s *model.Study) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return errors.Errorf("marshaling study for patient %s: %w", s.PatientKey, err)
	}
	_, err = d.connector.db.ExecContext(ctx,
		`INSERT INTO studies (id, patient_key, study_date, doc) VALUES ($1, $2, $3, $4)`,
		s.ID.String(), s.PatientKey, s.Date, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("%w: study %s/%s", ErrDuplicate, s.PatientKey, s.Date)
		}
		return errors.Errorf("inserting study %s/%s: %w", s.PatientKey, s.Date, err)
	}
	return nil
}

// InsertPatient stores one patient; ErrDuplicate when the anon id is taken.
func (d *EntityDao) InsertPatient(ctx context.Context, p *model.Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return errors.Errorf("marshaling patient %s: %w", p.AnonID, err)
	}
	_, err = d.connector.db.ExecContext(ctx,
		`INSERT INTO patients (id, anon_id, doc) VALUES ($1, $2, $3)`,
		p.ID.String(), p.AnonID, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("%w: patient %s", ErrDuplicate, p.AnonID)
		}
		return errors.Errorf("inserting patient %s: %w", p.AnonID, err)
	}
	return nil
}

// SeriesIDByUID resolves an already-inserted series by its natural key, used
// when a duplicate insert needs the id of the winning row.
func (d *EntityDao) SeriesIDByUID(ctx context.Context, seriesUID string) (uuid.UUID, error) {
	var raw string
	err := d.connector.db.GetContext(ctx, &raw,
		`SELECT id FROM series WHERE series_uid = $1`, seriesUID)
	if err != nil {
		return uuid.Nil, errors.Errorf("resolving series %s: %w", seriesUID, err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Errorf("parsing series id %q: %w", raw, err)
	}
	return id, nil
}
