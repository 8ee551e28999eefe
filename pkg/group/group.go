// Package group aggregates image metadata into series, study, and patient
// entities. Shared tags are computed by intersecting the member tag sets, so
// an entity only claims what every one of its images agrees on.
package group

import (
	"context"
	"strings"

	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ImageStore is the slice of the image DAO the grouper needs.
type ImageStore interface {
	Find(ctx context.Context, q store.Query) ([]model.ImageMetadata, error)
	GroupByTagValue(ctx context.Context, keyword string) ([]store.ProtoGroup, error)
	GroupByPatientAndDate(ctx context.Context) ([]store.ProtoGroup, error)
	SetSeriesID(ctx context.Context, id, seriesID uuid.UUID) error
	SetStudyID(ctx context.Context, id, studyID uuid.UUID) error
}

// EntityStore is the slice of the entity DAO the grouper needs.
type EntityStore interface {
	InsertSeries(ctx context.Context, s *model.Series) error
	InsertStudy(ctx context.Context, s *model.Study) error
	InsertPatient(ctx context.Context, p *model.Patient) error
	SeriesIDByUID(ctx context.Context, seriesUID string) (uuid.UUID, error)
}

// 🏭 New builds a Grouper over the two stores.
func New(images ImageStore, entities EntityStore, projectName string) (*Grouper, error) {
	if images == nil {
		return nil, errors.New("image store is required")
	}
	if entities == nil {
		return nil, errors.New("entity store is required")
	}
	return &Grouper{images: images, entities: entities, projectName: projectName}, nil
}

// 🧩 Grouper builds the series/study/patient layers bottom-up.
type Grouper struct {
	images      ImageStore
	entities    EntityStore
	projectName string
}

// Stats counts one grouping pass.
type Stats struct {
	Series   int
	Studies  int
	Patients int
	Skipped  int
	Failed   int
}

// Run performs the full pass: series first, then studies, then patients.
// Each layer is idempotent; re-running converges on the same entities.
func (g *Grouper) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := g.groupSeries(ctx, &stats); err != nil {
		return stats, errors.Errorf("grouping series: %w", err)
	}
	if err := g.groupStudies(ctx, &stats); err != nil {
		return stats, errors.Errorf("grouping studies: %w", err)
	}
	if err := g.groupPatients(ctx, &stats); err != nil {
		return stats, errors.Errorf("grouping patients: %w", err)
	}
	return stats, nil
}

func (g *Grouper) groupSeries(ctx context.Context, stats *Stats) error {
	logger := zerolog.Ctx(ctx)

	protos, err := g.images.GroupByTagValue(ctx, "SeriesInstanceUID")
	if err != nil {
		return err
	}
	for _, proto := range protos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if proto.Key == "" {
			stats.Skipped++
			continue
		}

		members, err := g.images.Find(ctx, store.Query{IDs: proto.ImageIDs})
		if err != nil {
			stats.Failed++
			logger.Warn().Err(err).Str("series_uid", proto.Key).Msg("loading series members failed")
			continue
		}
		shared := SharedTags(members)

		series := &model.Series{
			ID:          uuid.New(),
			Meta:        model.NewMetadata(g.projectName),
			SeriesUID:   proto.Key,
			DicomTags:   shared,
			ImageCount:  len(members),
			Description: shared.Get("SeriesDescription"),
			Modality:    shared.Get("Modality"),
		}
		seriesID := series.ID
		err = g.entities.InsertSeries(ctx, series)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			// An earlier pass created it; reuse its id so the member
			// back-links stay consistent.
			seriesID, err = g.entities.SeriesIDByUID(ctx, proto.Key)
			if err != nil {
				stats.Failed++
				logger.Warn().Err(err).Str("series_uid", proto.Key).Msg("resolving existing series failed")
				continue
			}
			stats.Skipped++
		case err != nil:
			stats.Failed++
			logger.Warn().Err(err).Str("series_uid", proto.Key).Msg("inserting series failed")
			continue
		default:
			stats.Series++
		}

		for _, m := range members {
			if m.SeriesID != nil && *m.SeriesID == seriesID {
				continue
			}
			if err := g.images.SetSeriesID(ctx, m.ID, seriesID); err != nil {
				stats.Failed++
				logger.Warn().Err(err).Stringer("id", m.ID).Msg("linking image to series failed")
			}
		}
	}
	return nil
}

func (g *Grouper) groupStudies(ctx context.Context, stats *Stats) error {
	logger := zerolog.Ctx(ctx)

	protos, err := g.images.GroupByPatientAndDate(ctx)
	if err != nil {
		return err
	}
	for _, proto := range protos {
		if err := ctx.Err(); err != nil {
			return err
		}
		patientKey, date := splitStudyKey(proto.Key)
		if patientKey == "" {
			stats.Skipped++
			continue
		}

		members, err := g.images.Find(ctx, store.Query{IDs: proto.ImageIDs})
		if err != nil {
			stats.Failed++
			logger.Warn().Err(err).Str("key", proto.Key).Msg("loading study members failed")
			continue
		}
		shared := SharedTags(members)

		study := &model.Study{
			ID:          uuid.New(),
			Meta:        model.NewMetadata(g.projectName),
			StudyUID:    shared.Get("StudyInstanceUID"),
			PatientKey:  patientKey,
			Date:        date,
			DicomTags:   shared,
			SeriesCount: countDistinctSeries(members),
			Description: shared.Get("StudyDescription"),
		}
		err = g.entities.InsertStudy(ctx, study)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			stats.Skipped++
			continue
		case err != nil:
			stats.Failed++
			logger.Warn().Err(err).Str("key", proto.Key).Msg("inserting study failed")
			continue
		}
		stats.Studies++

		for _, m := range members {
			if m.StudyID != nil && *m.StudyID == study.ID {
				continue
			}
			if err := g.images.SetStudyID(ctx, m.ID, study.ID); err != nil {
				stats.Failed++
				logger.Warn().Err(err).Stringer("id", m.ID).Msg("linking image to study failed")
			}
		}
	}
	return nil
}

func (g *Grouper) groupPatients(ctx context.Context, stats *Stats) error {
	logger := zerolog.Ctx(ctx)

	protos, err := g.images.GroupByTagValue(ctx, "PatientID")
	if err != nil {
		return err
	}
	for _, proto := range protos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if proto.Key == "" {
			stats.Skipped++
			continue
		}

		members, err := g.images.Find(ctx, store.Query{IDs: proto.ImageIDs})
		if err != nil {
			stats.Failed++
			logger.Warn().Err(err).Str("patient", proto.Key).Msg("loading patient members failed")
			continue
		}

		patient := &model.Patient{
			ID:         uuid.New(),
			Meta:       model.NewMetadata(g.projectName),
			AnonID:     proto.Key,
			StudyCount: countDistinctStudyDates(members),
		}
		err = g.entities.InsertPatient(ctx, patient)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			stats.Skipped++
		case err != nil:
			stats.Failed++
			logger.Warn().Err(err).Str("patient", proto.Key).Msg("inserting patient failed")
		default:
			stats.Patients++
		}
	}
	return nil
}

// SharedTags intersects the tag sets of the given images: a tag survives
// only if every member carries it with the same first value.
func SharedTags(members []model.ImageMetadata) model.TagSet {
	if len(members) == 0 {
		return model.TagSet{}
	}
	shared := members[0].DicomTags.Clone()
	for _, m := range members[1:] {
		for keyword, v := range shared {
			other, ok := m.DicomTags[keyword]
			if !ok || other.First() != v.First() {
				delete(shared, keyword)
			}
		}
	}
	return shared
}

// splitStudyKey unpacks the "patient|date" grouping key.
func splitStudyKey(key string) (patientKey, date string) {
	parts := strings.SplitN(key, "|", 2)
	patientKey = parts[0]
	if len(parts) == 2 {
		date = parts[1]
	}
	return patientKey, date
}

func countDistinctSeries(members []model.ImageMetadata) int {
	seen := map[string]struct{}{}
	for _, m := range members {
		if uid := m.DicomTags.Get("SeriesInstanceUID"); uid != "" {
			seen[uid] = struct{}{}
		}
	}
	return len(seen)
}

func countDistinctStudyDates(members []model.ImageMetadata) int {
	seen := map[string]struct{}{}
	for _, m := range members {
		if date := m.DicomTags.Get("StudyDate"); date != "" {
			seen[date] = struct{}{}
		}
	}
	return len(seen)
}
