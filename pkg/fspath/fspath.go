// Package fspath derives the destination layout of the pseudonymized mirror.
// Every path is a pure function of pseudonymous tag values, so repeated runs
// over the same source reproduce the same destination tree.
package fspath

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/dicomirror/dicomirror/pkg/deid"
	"github.com/dicomirror/dicomirror/pkg/model"
	"gitlab.com/tozd/go/errors"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z\d]+`)

const (
	unknownPatientDir = "UNK_PatientID"
	unknown           = "UNK"
)

// PatientDir fans the 64-char hashed patient id out into three levels:
// h[0:3]/h[3:6]/h[6:24]. The hash is effectively random, so this keeps
// directory sizes balanced on very large cohorts.
func PatientDir(hashedPatientID string) (string, error) {
	if hashedPatientID == "" {
		return unknownPatientDir, nil
	}
	if len(hashedPatientID) != deid.HashLength {
		return "", errors.Errorf("hashed patient id has length %d, want %d", len(hashedPatientID), deid.HashLength)
	}
	if !isLowerHex(hashedPatientID) {
		return "", errors.Errorf("hashed patient id %q is not lowercase hex", hashedPatientID)
	}
	h := hashedPatientID
	return path.Join(h[0:3], h[3:6], h[6:24]), nil
}

// StudyDir nests a study under its patient, keyed by the raw StudyDate tag
// value (DA format, YYYYMMDD). A missing date groups under a fixed sentinel
// so the layout stays deterministic.
func StudyDir(hashedPatientID, studyDate string) (string, error) {
	patientDir, err := PatientDir(hashedPatientID)
	if err != nil {
		return "", err
	}
	if studyDate == "" {
		studyDate = "19000101"
	}
	return path.Join(patientDir, "study_"+studyDate), nil
}

// SeriesDir names a series by modality, a time-of-day or series-number key,
// and the sanitized series description.
func SeriesDir(tags model.TagSet) (string, error) {
	studyDir, err := StudyDir(tags.Get("PatientID"), tags.Get("StudyDate"))
	if err != nil {
		return "", err
	}

	key := seriesKey(tags)
	modality := orUnknown(tags.Get("Modality"))
	description := nonAlphanumeric.ReplaceAllString(orUnknown(tags.Get("SeriesDescription")), "-")

	return path.Join(studyDir, fmt.Sprintf("series_%s_%s_%s", modality, key, description)), nil
}

// InstancePath is the full relative path of one instance file:
// <patient>/<study>/<series>/<SOPInstanceUID>.dcm. It requires a
// SOPInstanceUID because that is the only per-instance key.
func InstancePath(tags model.TagSet) (string, error) {
	seriesDir, err := SeriesDir(tags)
	if err != nil {
		return "", err
	}
	instanceUID := tags.Get("SOPInstanceUID")
	if instanceUID == "" {
		return "", errors.New("record has no SOPInstanceUID, cannot derive an instance path")
	}
	return path.Join(seriesDir, instanceUID+".dcm"), nil
}

// seriesKey prefers the series acquisition time of day, falls back to the
// series number, then to a sentinel.
func seriesKey(tags model.TagSet) string {
	if t := tags.Get("SeriesTime"); t != "" {
		if len(t) > 6 {
			t = t[:6] // strip fractional seconds
		}
		return t
	}
	if n := tags.Get("SeriesNumber"); n != "" {
		return n
	}
	return unknown
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
