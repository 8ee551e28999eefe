package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagValue_First(t *testing.T) {
	tests := []struct {
		name string
		tv   TagValue
		want string
	}{
		{name: "string_value", tv: TagValue{VR: "CS", Value: []any{"MR"}}, want: "MR"},
		{name: "multi_value_returns_first", tv: TagValue{VR: "CS", Value: []any{"a", "b"}}, want: "a"},
		{name: "empty", tv: TagValue{VR: "CS"}, want: ""},
		{name: "non_string", tv: TagValue{VR: "IS", Value: []any{3}}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tv.First())
		})
	}
}

func TestTagSet_Clone(t *testing.T) {
	original := TagSet{"Modality": {VR: "CS", Value: []any{"MR"}}}
	clone := original.Clone()

	clone["Modality"] = TagValue{VR: "CS", Value: []any{"CT"}}
	clone["New"] = TagValue{VR: "LO", Value: []any{"x"}}

	assert.Equal(t, "MR", original.Get("Modality"))
	assert.NotContains(t, original, "New")
}

func TestNewFileSource(t *testing.T) {
	fs := NewFileSource("drive-01", "incoming/a/b/scan.dcm")
	assert.Equal(t, "drive-01", fs.DriveName)
	assert.Equal(t, "incoming/a/b/scan.dcm", fs.RelPath)
	assert.Equal(t, "scan.dcm", fs.Filename)
}

func TestMountPaths_Resolve(t *testing.T) {
	mounts := MountPaths{"drive-01": "/mnt/disk1"}

	path, err := mounts.Resolve(NewFileSource("drive-01", "a/scan.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "/mnt/disk1/a/scan.dcm", path)

	_, err = mounts.Resolve(NewFileSource("drive-02", "a/scan.dcm"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"drive-02"`)
}

func TestImageMetadata_JSONShape(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	srcRef := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	im := ImageMetadata{
		ID:   id,
		Meta: NewMetadata("proj"),
		DicomTags: TagSet{
			"Modality": {VR: "CS", Value: []any{"MR"}},
		},
		FileSource: NewFileSource("drive-01", "a/scan.dcm"),
		SourceRef:  &srcRef,
	}

	data, err := json.Marshal(im)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, id.String(), doc["_id"])
	assert.Equal(t, srcRef.String(), doc["source_ref"])
	assert.Contains(t, doc, "_metadata")
	assert.Contains(t, doc, "dicom_tags")
	assert.Contains(t, doc, "file_source")
	assert.NotContains(t, doc, "series_id", "unset refs must be omitted")

	tags := doc["dicom_tags"].(map[string]any)
	modality := tags["Modality"].(map[string]any)
	assert.Equal(t, "CS", modality["vr"])
	assert.Equal(t, []any{"MR"}, modality["Value"])
}

func TestNewMetadata(t *testing.T) {
	m := NewMetadata("proj")
	assert.Equal(t, ModelVersion, m.ModelVersion)
	assert.Equal(t, "proj", m.ProjectName)
	assert.False(t, m.Created.IsZero())
	assert.Equal(t, "UTC", m.Created.Location().String())
}
