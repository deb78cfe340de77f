package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mapping resolves one classifier (data source or entity type).
//
// Overrides are keyed by the record's original code; the NoCode key is
// used for records that have no original code. Default applies to records
// with no original code when no NoCode override exists.
type Mapping struct {
	Default   Code
	Overrides map[Code]string
}

// Resolve returns the effective code for an original code.
func (m Mapping) Resolve(original Code) Code {
	if original.Valid {
		if to, ok := m.Overrides[original]; ok {
			return CodeOf(to)
		}
		return original
	}
	if to, ok := m.Overrides[NoCode]; ok {
		return CodeOf(to)
	}
	return m.Default
}

// MappingTables holds the per-invocation mappings for both classifiers.
type MappingTables struct {
	DataSource Mapping
	EntityType Mapping
}

// Resolution is the outcome of mapping one record.
type Resolution struct {
	DataSource Code
	EntityType Code
}

// MissingDataSource reports whether no data source could be resolved.
func (r Resolution) MissingDataSource() bool { return !r.DataSource.Valid }

// MissingEntityType reports whether no entity type could be resolved.
func (r Resolution) MissingEntityType() bool { return !r.EntityType.Valid }

// Incomplete reports whether either classifier is unresolved.
func (r Resolution) Incomplete() bool {
	return r.MissingDataSource() || r.MissingEntityType()
}

// Resolve computes the effective data source and entity type for a record.
func Resolve(rec RawRecord, tables MappingTables) Resolution {
	return Resolution{
		DataSource: tables.DataSource.Resolve(rec.DataSource),
		EntityType: tables.EntityType.Resolve(rec.EntityType),
	}
}

// ParseOverride parses a "FROM:TO" override. An empty FROM is the missing
// code, so ":TO" applies to records without an original value.
func ParseOverride(s string) (Code, string, error) {
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		return NoCode, "", fmt.Errorf("invalid override %q: expected FROM:TO", s)
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return NoCode, "", fmt.Errorf("invalid override %q: missing target code", s)
	}
	return CodeOf(from), to, nil
}

// ParseOverrides parses repeated "FROM:TO" overrides into a table.
func ParseOverrides(specs []string) (map[Code]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[Code]string, len(specs))
	for _, s := range specs {
		from, to, err := ParseOverride(s)
		if err != nil {
			return nil, err
		}
		out[from] = to
	}
	return out, nil
}

// ParseOverridesJSON parses a JSON object of overrides. The empty key is
// the missing code.
func ParseOverridesJSON(data string) (map[Code]string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("invalid override map: %w", err)
	}
	out := make(map[Code]string, len(raw))
	for from, to := range raw {
		if strings.TrimSpace(to) == "" {
			return nil, fmt.Errorf("invalid override map: missing target code for %q", from)
		}
		out[CodeOf(from)] = strings.TrimSpace(to)
	}
	return out, nil
}

// MergeOverrides combines override tables; later tables win.
func MergeOverrides(tables ...map[Code]string) map[Code]string {
	var out map[Code]string
	for _, t := range tables {
		for k, v := range t {
			if out == nil {
				out = make(map[Code]string)
			}
			out[k] = v
		}
	}
	return out
}
