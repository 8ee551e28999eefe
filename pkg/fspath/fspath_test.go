package fspath

import (
	"strings"
	"testing"

	"github.com/dicomirror/dicomirror/pkg/deid"
	"github.com/dicomirror/dicomirror/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a plausible 64-char lowercase hex id
var testHash = strings.Repeat("0123456789abcdef", 4)

func TestPatientDir(t *testing.T) {
	tests := []struct {
		name      string
		hash      string
		want      string
		wantError string
	}{
		{
			name: "fans_out_three_levels",
			hash: testHash,
			want: "012/345/6789abcdef0123456789",
		},
		{
			name: "empty_id_goes_to_sentinel",
			hash: "",
			want: "UNK_PatientID",
		},
		{
			name:      "wrong_length",
			hash:      "abc123",
			wantError: "has length 6",
		},
		{
			name:      "uppercase_rejected",
			hash:      strings.ToUpper(testHash),
			wantError: "not lowercase hex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PatientDir(tt.hash)

			if tt.wantError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantError)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatientDir_AcceptsHasherOutput(t *testing.T) {
	h := deid.NewHasher("test-secret")
	dir, err := PatientDir(h.Hash("PAT-001"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(dir, "/")+1, "expected three path levels")
}

func TestStudyDir(t *testing.T) {
	t.Run("with_date", func(t *testing.T) {
		dir, err := StudyDir(testHash, "20240105")
		require.NoError(t, err)
		assert.Equal(t, "012/345/6789abcdef0123456789/study_20240105", dir)
	})

	t.Run("missing_date_uses_sentinel", func(t *testing.T) {
		dir, err := StudyDir(testHash, "")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(dir, "/study_19000101"), dir)
	})
}

func TestSeriesDir(t *testing.T) {
	tests := []struct {
		name string
		tags model.TagSet
		want string // series directory component only
	}{
		{
			name: "time_key_with_description",
			tags: model.TagSet{
				"PatientID":         {VR: "LO", Value: []any{testHash}},
				"StudyDate":         {VR: "DA", Value: []any{"20240105"}},
				"Modality":          {VR: "CS", Value: []any{"MR"}},
				"SeriesTime":        {VR: "TM", Value: []any{"101530.250000"}},
				"SeriesDescription": {VR: "LO", Value: []any{"T1 AX SE/GRE"}},
			},
			want: "series_MR_101530_T1-AX-SE-GRE",
		},
		{
			name: "series_number_fallback",
			tags: model.TagSet{
				"PatientID":         {VR: "LO", Value: []any{testHash}},
				"Modality":          {VR: "CS", Value: []any{"CT"}},
				"SeriesNumber":      {VR: "IS", Value: []any{"3"}},
				"SeriesDescription": {VR: "LO", Value: []any{"chest"}},
			},
			want: "series_CT_3_chest",
		},
		{
			name: "everything_missing",
			tags: model.TagSet{
				"PatientID": {VR: "LO", Value: []any{testHash}},
			},
			want: "series_UNK_UNK_UNK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := SeriesDir(tt.tags)
			require.NoError(t, err)
			parts := strings.Split(dir, "/")
			assert.Equal(t, tt.want, parts[len(parts)-1])
		})
	}
}

func TestInstancePath(t *testing.T) {
	tags := model.TagSet{
		"PatientID":      {VR: "LO", Value: []any{testHash}},
		"StudyDate":      {VR: "DA", Value: []any{"20240105"}},
		"Modality":       {VR: "CS", Value: []any{"MR"}},
		"SeriesTime":     {VR: "TM", Value: []any{"101530"}},
		"SOPInstanceUID": {VR: "UI", Value: []any{"1.2.840.10008.999"}},
	}

	p, err := InstancePath(tags)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p, "/1.2.840.10008.999.dcm"), p)
	assert.False(t, strings.HasPrefix(p, "/"), "path must be relative")

	// same tags, same path
	again, err := InstancePath(tags)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestInstancePath_RequiresSOPInstanceUID(t *testing.T) {
	_, err := InstancePath(model.TagSet{
		"PatientID": {VR: "LO", Value: []any{testHash}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOPInstanceUID")
}
