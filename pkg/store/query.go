package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Query selects documents by field-path conditions against the JSONB
// document, by field presence, or by explicit document ids. Field paths use
// dot notation into the document, e.g. "dicom_tags.Modality.Value.0".
// The empty Query matches everything.
type Query struct {
	Equals map[string]string
	Exists []string
	IDs    []uuid.UUID
}

// jsonbPath renders "a.b.c" as the Postgres text-array path '{a,b,c}'.
// Segments come from config and CLI flags, never from document content.
func jsonbPath(fieldPath string) string {
	segments := strings.Split(fieldPath, ".")
	for i, s := range segments {
		segments[i] = strings.ReplaceAll(s, "'", "")
	}
	return "'{" + strings.Join(segments, ",") + "}'"
}

// where compiles the query to a WHERE clause and its arguments. Conditions
// are emitted in a fixed order (sorted paths) so the generated SQL is stable
// for a given query.
func (q Query) where() (string, []any) {
	var conds []string
	var args []any

	for _, fieldPath := range sortedKeys(q.Equals) {
		args = append(args, q.Equals[fieldPath])
		conds = append(conds, fmt.Sprintf("doc #>> %s = $%d", jsonbPath(fieldPath), len(args)))
	}
	for _, fieldPath := range q.Exists {
		conds = append(conds, fmt.Sprintf("doc #> %s IS NOT NULL", jsonbPath(fieldPath)))
	}
	if len(q.IDs) > 0 {
		ids := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			ids[i] = id.String()
		}
		args = append(args, pq.Array(ids))
		conds = append(conds, fmt.Sprintf("id = ANY($%d::uuid[])", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
