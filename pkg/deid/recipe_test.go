package deid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipe(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantRules int
		wantError string
	}{
		{
			name: "valid_recipe",
			text: `# identifiers
KEEP Modality
HASH PatientID
REPLACE PatientName "REMOVED"
REMOVE PatientBirthDate
BLANK InstitutionName
ADD PatientIdentityRemoved "YES"
`,
			wantRules: 6,
		},
		{
			name:      "regex_selector",
			text:      "HASH ~.*UID$\n",
			wantRules: 1,
		},
		{
			name:      "wildcard_selector",
			text:      "REMOVE *\n",
			wantRules: 1,
		},
		{
			name:      "comments_and_blanks_ignored",
			text:      "\n# nothing but comments\n\n   \n",
			wantRules: 0,
		},
		{
			name:      "quoted_argument_with_spaces",
			text:      `ADD DeidentificationMethod "hashed and relocated"`,
			wantRules: 1,
		},
		{
			name:      "unknown_action",
			text:      "SCRAMBLE PatientID\n",
			wantError: "unknown action",
		},
		{
			name:      "replace_without_argument",
			text:      "REPLACE PatientName\n",
			wantError: "REPLACE requires a literal argument",
		},
		{
			name:      "add_without_argument",
			text:      "ADD PatientIdentityRemoved\n",
			wantError: "ADD requires a literal argument",
		},
		{
			name:      "add_with_pattern_selector",
			text:      `ADD ~.*ID$ "YES"`,
			wantError: "ADD requires a literal tag name",
		},
		{
			name:      "keep_with_argument",
			text:      `KEEP Modality "MR"`,
			wantError: "KEEP takes no argument",
		},
		{
			name:      "unquoted_argument_with_spaces",
			text:      "REPLACE PatientName REMOVED EXTRA\n",
			wantError: "wrap it in double quotes",
		},
		{
			name:      "unterminated_quoted_argument",
			text:      `REPLACE PatientName "REMOVED`,
			wantError: "not a balanced quoted literal",
		},
		{
			name:      "trailing_token_after_quoted_argument",
			text:      `REPLACE PatientName "REMOVED" EXTRA`,
			wantError: "not a balanced quoted literal",
		},
		{
			name:      "unbalanced_quote_in_argument",
			text:      `REPLACE PatientName REMOVED"`,
			wantError: "unbalanced quote",
		},
		{
			name:      "missing_selector",
			text:      "KEEP\n",
			wantError: "expected `ACTION SELECTOR [ARGUMENT]`",
		},
		{
			name:      "bad_regex",
			text:      "HASH ~[unclosed\n",
			wantError: "compiling selector pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipe, err := ParseRecipe("test", tt.text)

			if tt.wantError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantError)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantRules, recipe.Len())
		})
	}
}

func TestSelector_Matches(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		keyword string
		want    bool
	}{
		{name: "literal_match", token: "PatientID", keyword: "PatientID", want: true},
		{name: "literal_mismatch", token: "PatientID", keyword: "PatientName", want: false},
		{name: "literal_is_case_sensitive", token: "patientid", keyword: "PatientID", want: false},
		{name: "wildcard", token: "*", keyword: "Anything", want: true},
		{name: "regex_suffix", token: "~.*UID", keyword: "SOPInstanceUID", want: true},
		{name: "regex_is_anchored", token: "~ID", keyword: "PatientID", want: false},
		{name: "regex_whole_keyword", token: "~.*ID$", keyword: "PatientID", want: true},
		{name: "regex_no_substring_match", token: "~Patient", keyword: "PatientName", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := parseSelector(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.matches(tt.keyword))
		})
	}
}

func TestRecipe_Extend(t *testing.T) {
	base, err := ParseRecipe("base", "REMOVE *\n")
	require.NoError(t, err)
	overlay, err := ParseRecipe("overlay", "KEEP Modality\n")
	require.NoError(t, err)

	composed := base.Extend(overlay)

	assert.Equal(t, 2, composed.Len())
	assert.Equal(t, []string{"base", "overlay"}, composed.Names())

	// base and overlay must stay usable on their own
	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 1, overlay.Len())
}

func TestLoadBuiltinRecipe(t *testing.T) {
	base, err := LoadBuiltinRecipe(BuiltinBase)
	require.NoError(t, err)
	assert.Greater(t, base.Len(), 0)

	mr, err := LoadBuiltinRecipe(BuiltinMR)
	require.NoError(t, err)
	assert.Greater(t, mr.Len(), 0)

	_, err = LoadBuiltinRecipe("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown built-in recipe")
}

func TestComposeRecipes(t *testing.T) {
	t.Run("nothing_selected", func(t *testing.T) {
		_, err := ComposeRecipes(false, false, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no recipe selected")
	})

	t.Run("base_only", func(t *testing.T) {
		r, err := ComposeRecipes(true, false, nil)
		require.NoError(t, err)
		assert.Greater(t, r.Len(), 0)
	})

	t.Run("base_plus_mr_plus_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "extra.recipe")
		require.NoError(t, os.WriteFile(path, []byte("KEEP StationName\n"), 0o644))

		r, err := ComposeRecipes(true, true, []string{path})
		require.NoError(t, err)
		assert.Equal(t, []string{"builtin:base", "builtin:mr", path}, r.Names())
	})

	t.Run("bad_file_is_fatal", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.recipe")
		require.NoError(t, os.WriteFile(path, []byte("SCRAMBLE *\n"), 0o644))

		_, err := ComposeRecipes(false, false, []string{path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown action")
	})
}
