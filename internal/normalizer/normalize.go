package normalizer

import "fmt"

// Unmapped marks a source column that no canonical field claimed.
const Unmapped = ""

const (
	fuzzyMinLen     = 5
	fuzzyWideMinLen = 9
)

// Mapping holds, per source column index, the canonical field it feeds or Unmapped.
type Mapping []string

// Mapped counts the columns bound to a canonical field.
func (m Mapping) Mapped() int {
	n := 0
	for _, f := range m {
		if f != Unmapped {
			n++
		}
	}
	return n
}

// Columns returns canonical field -> source column index.
func (m Mapping) Columns() map[string]int {
	out := make(map[string]int, len(m))
	for i, f := range m {
		if f != Unmapped {
			out[f] = i
		}
	}
	return out
}

type alias struct {
	key   string
	field string
}

// Table is the immutable, process-wide alias table.
type Table struct {
	exact   map[string]string
	aliases []alias
}

// NewTable builds a table from the default aliases plus extra, keyed by canonical field.
func NewTable(extra map[string][]string) (*Table, error) {
	sets := DefaultAliases()
	for field, list := range extra {
		if !IsField(field) {
			return nil, fmt.Errorf("alias table: unknown canonical field %q", field)
		}
		sets[field] = append(sets[field], list...)
	}

	t := &Table{exact: make(map[string]string)}
	for _, field := range Fields {
		candidates := append([]string{field}, sets[field]...)
		for _, raw := range candidates {
			key := Canonicalize(raw)
			if key == "" {
				continue
			}
			if owner, ok := t.exact[key]; ok {
				if owner != field {
					return nil, fmt.Errorf("alias table: %q claimed by both %s and %s", raw, owner, field)
				}
				continue
			}
			t.exact[key] = field
			t.aliases = append(t.aliases, alias{key: key, field: field})
		}
	}
	return t, nil
}

// MustDefault returns the table built from the default aliases only.
func MustDefault() *Table {
	t, err := NewTable(nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup resolves a single raw header without claim tracking.
func (t *Table) Lookup(header string) (string, bool) {
	f, ok := t.exact[Canonicalize(header)]
	return f, ok
}

// Normalize maps each header to a canonical field. The first column matching a field
// claims it, later columns for the same field stay Unmapped.
func (t *Table) Normalize(headers []string) Mapping {
	return t.NormalizeWithHints(headers, nil)
}

// NormalizeWithHints is Normalize with client supplied header -> field overrides.
// Hints naming an unknown field are ignored. Binding runs in three passes over the
// row: hints, then exact aliases, then fuzzy matches for the columns still Unmapped,
// so a near miss never takes a field another column names exactly.
func (t *Table) NormalizeWithHints(headers []string, hints map[string]string) Mapping {
	hinted := make(map[string]string, len(hints))
	for h, f := range hints {
		if IsField(f) {
			hinted[Canonicalize(h)] = f
		}
	}

	keys := make([]string, len(headers))
	for i, raw := range headers {
		keys[i] = Canonicalize(raw)
	}

	out := make(Mapping, len(headers))
	// settled columns skip the fuzzy pass, even when their field was already taken
	settled := make([]bool, len(headers))
	claimed := make(map[string]bool, len(Fields))
	bind := func(i int, f string) {
		settled[i] = true
		if !claimed[f] {
			out[i] = f
			claimed[f] = true
		}
	}

	for i, key := range keys {
		if f, ok := hinted[key]; ok && key != "" {
			bind(i, f)
		}
	}
	for i, key := range keys {
		if settled[i] || key == "" {
			continue
		}
		if f, ok := t.exact[key]; ok {
			bind(i, f)
		}
	}
	for i, key := range keys {
		if settled[i] || key == "" {
			continue
		}
		if f := t.fuzzy(key, claimed); f != Unmapped {
			out[i] = f
			claimed[f] = true
		}
	}
	return out
}

func (t *Table) fuzzy(key string, claimed map[string]bool) string {
	n := len([]rune(key))
	if n < fuzzyMinLen {
		return Unmapped
	}
	limit := 1
	if n >= fuzzyWideMinLen {
		limit = 2
	}
	best, bestDist := Unmapped, limit+1
	for _, a := range t.aliases {
		if claimed[a.field] || len([]rune(a.key)) < fuzzyMinLen {
			continue
		}
		if d := levenshtein(key, a.key); d < bestDist {
			best, bestDist = a.field, d
		}
	}
	return best
}
