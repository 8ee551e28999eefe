// Package model defines the documents stored by dicomirror: per-file image
// metadata and the series/study/patient entities aggregated from it.
//
// DICOM tags are carried in the JSON model of PS3.18: a mapping from tag
// keyword to a value representation code plus a list of values. Only headers
// are stored, never pixel data.
package model

import (
	"path"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// ModelVersion is stored in the Metadata of every persisted document so that
// readers can tell which writer produced it.
const ModelVersion = "1.0.0"

// TagValue is one DICOM attribute in the JSON model: a two-letter value
// representation code and the list of values (usually one).
type TagValue struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

// First returns the first value rendered as a string, or "" when the tag is
// empty. Most tags carry a single value and this is the common accessor.
func (t TagValue) First() string {
	if len(t.Value) == 0 {
		return ""
	}
	if s, ok := t.Value[0].(string); ok {
		return s
	}
	return ""
}

// TagSet maps tag keywords (e.g. "PatientID") to their values.
type TagSet map[string]TagValue

// Get returns the first string value of the named tag, or "" if absent.
func (ts TagSet) Get(keyword string) string {
	return ts[keyword].First()
}

// Clone returns a shallow copy of the set. TagValues are treated as
// immutable, so a shallow copy is enough for transformation output.
func (ts TagSet) Clone() TagSet {
	out := make(TagSet, len(ts))
	for k, v := range ts {
		out[k] = v
	}
	return out
}

// Metadata records when a document was created and by which model version.
type Metadata struct {
	ModelVersion string    `json:"model_version"`
	Created      time.Time `json:"created"`
	ProjectName  string    `json:"project_name,omitempty"`
}

// NewMetadata stamps a fresh Metadata for a document created now.
func NewMetadata(projectName string) Metadata {
	return Metadata{
		ModelVersion: ModelVersion,
		Created:      time.Now().UTC(),
		ProjectName:  projectName,
	}
}

// FileSource points at a file through a logical drive name plus a path
// relative to wherever that drive is mounted. Drives move between machines;
// the drive name is the only stable way to reference them. Filename is
// denormalized for querying.
type FileSource struct {
	DriveName string `json:"drive_name"`
	RelPath   string `json:"rel_path"`
	Filename  string `json:"filename"`
}

// NewFileSource builds a FileSource, deriving Filename from RelPath.
func NewFileSource(driveName, relPath string) FileSource {
	return FileSource{
		DriveName: driveName,
		RelPath:   relPath,
		Filename:  path.Base(relPath),
	}
}

// MountPaths maps logical drive names to local filesystem roots.
type MountPaths map[string]string

// Resolve returns the local path of fs, or an error when the drive is not
// mounted on this machine. Callers treat that as a configuration problem.
func (mp MountPaths) Resolve(fs FileSource) (string, error) {
	root, ok := mp[fs.DriveName]
	if !ok {
		return "", errors.Errorf("drive %q is not in the mount path configuration", fs.DriveName)
	}
	return path.Join(root, fs.RelPath), nil
}

// ImageMetadata is the per-file document: the extracted DICOM header of one
// instance plus a pointer to the file it came from. On pseudonymized mirror
// documents, SourceRef carries the id of the source document the mirror was
// derived from; it is the key the destination store enforces uniqueness on.
type ImageMetadata struct {
	ID         uuid.UUID  `json:"_id"`
	Meta       Metadata   `json:"_metadata"`
	DicomTags  TagSet     `json:"dicom_tags"`
	FileSource FileSource `json:"file_source"`
	SeriesID   *uuid.UUID `json:"series_id,omitempty"`
	StudyID    *uuid.UUID `json:"study_id,omitempty"`
	SourceRef  *uuid.UUID `json:"source_ref,omitempty"`
}

// LocalPath resolves the backing file against the given mount paths.
func (im *ImageMetadata) LocalPath(mp MountPaths) (string, error) {
	return mp.Resolve(im.FileSource)
}

// Series aggregates the instances that share a SeriesInstanceUID. The shared
// tag set is the intersection of the member tag sets; ImageCount is counted
// from the store because instance-number tags are not reliable.
type Series struct {
	ID          uuid.UUID  `json:"_id"`
	Meta        Metadata   `json:"_metadata"`
	SeriesUID   string     `json:"series_uid"`
	StudyID     *uuid.UUID `json:"study_id,omitempty"`
	DicomTags   TagSet     `json:"dicom_tags"`
	ImageCount  int        `json:"image_count"`
	Description string     `json:"description,omitempty"`
	Modality    string     `json:"modality,omitempty"`
}

// Study aggregates series by patient id and study date.
type Study struct {
	ID          uuid.UUID  `json:"_id"`
	Meta        Metadata   `json:"_metadata"`
	StudyUID    string     `json:"study_uid,omitempty"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	PatientKey  string     `json:"patient_key"`
	Date        string     `json:"date,omitempty"`
	DicomTags   TagSet     `json:"dicom_tags"`
	SeriesCount int        `json:"series_count"`
	Description string     `json:"description,omitempty"`
}

// Patient is one subject, keyed by the PatientID tag value found in the
// images (the pseudonymous id once the mirror database is the source).
type Patient struct {
	ID         uuid.UUID `json:"_id"`
	Meta       Metadata  `json:"_metadata"`
	AnonID     string    `json:"anon_id"`
	StudyCount int       `json:"study_count"`
}
