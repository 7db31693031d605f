package storage

import (
	"strings"

	"voterimport/internal/normalizer"
)

// RecordColumns is the column list of import_records in insert order.
func RecordColumns() []string {
	cols := make([]string, 0, len(normalizer.Fields)+3)
	cols = append(cols, "session_id", "seq_no")
	cols = append(cols, normalizer.Fields...)
	return append(cols, "search_text")
}

func fieldColumns(decl string) string {
	parts := make([]string, len(normalizer.Fields))
	for i, f := range normalizer.Fields {
		parts[i] = f + " " + decl
	}
	return strings.Join(parts, ",\n\t\t\t\t")
}
