package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Well-known field names carrying a record's classification. Matched
// case-insensitively against CSV headers and JSON object keys.
const (
	FieldDataSource = "DATA_SOURCE"
	FieldEntityType = "ENTITY_TYPE"
	FieldRecordID   = "RECORD_ID"
)

// Code is an optional code value such as a data source, entity type or
// record identifier. The zero value is NoCode, which is a usable map key
// distinct from any literal string including "null".
type Code struct {
	Value string
	Valid bool
}

// NoCode is the missing code.
var NoCode = Code{}

// CodeOf returns a valid Code for s, or NoCode when s is blank.
func CodeOf(s string) Code {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoCode
	}
	return Code{Value: s, Valid: true}
}

func (c Code) String() string {
	if !c.Valid {
		return "<none>"
	}
	return c.Value
}

// MarshalJSON encodes NoCode as null.
func (c Code) MarshalJSON() ([]byte, error) {
	if !c.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(c.Value)
}

// UnmarshalJSON accepts null or a string.
func (c *Code) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = NoCode
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = CodeOf(s)
	return nil
}

// Field is one named value of a record. Value is a string for delimited
// sources and a json.RawMessage for JSON sources.
type Field struct {
	Name  string
	Value any
}

// Fields is an ordered field list. Source order is preserved so the record
// can be written back exactly as it was read.
type Fields []Field

// Get returns the field with the given name, ignoring case.
func (f Fields) Get(name string) (Field, bool) {
	for _, fld := range f {
		if strings.EqualFold(fld.Name, name) {
			return fld, true
		}
	}
	return Field{}, false
}

// Text returns the textual value of a field. JSON strings are unquoted and
// JSON numbers are returned verbatim; objects, arrays, booleans and null
// have no textual value.
func (fld Field) Text() (string, bool) {
	switch v := fld.Value.(type) {
	case string:
		return v, true
	case json.RawMessage:
		raw := bytes.TrimSpace(v)
		if len(raw) == 0 {
			return "", false
		}
		switch c := raw[0]; {
		case c == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", false
			}
			return s, true
		case c == '-' || (c >= '0' && c <= '9'):
			return string(raw), true
		}
	}
	return "", false
}

// Code returns the named field as a Code, or NoCode if it is absent,
// blank or not textual.
func (f Fields) Code(name string) Code {
	fld, ok := f.Get(name)
	if !ok {
		return NoCode
	}
	s, ok := fld.Text()
	if !ok {
		return NoCode
	}
	return CodeOf(s)
}

// MarshalJSON writes the fields as a JSON object in source order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fld := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(fld.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		switch v := fld.Value.(type) {
		case json.RawMessage:
			buf.Write(v)
		default:
			val, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RawRecord is one record as read from the source, before mapping.
// Line is the source line for CSV and JSON lines input, and the element
// ordinal for JSON arrays.
type RawRecord struct {
	Line       int
	DataSource Code
	EntityType Code
	RecordID   Code
	Fields     Fields
}

func newRawRecord(line int, fields Fields) RawRecord {
	return RawRecord{
		Line:       line,
		DataSource: fields.Code(FieldDataSource),
		EntityType: fields.Code(FieldEntityType),
		RecordID:   fields.Code(FieldRecordID),
		Fields:     fields,
	}
}

// Record is a complete, mapped record handed to a RecordWriter.
type Record struct {
	Line       int
	DataSource string
	EntityType string
	RecordID   Code
	Fields     Fields
}

// AnalysisStatus is the lifecycle state of an analysis.
type AnalysisStatus string

const (
	AnalysisInProgress AnalysisStatus = "IN_PROGRESS"
	AnalysisCompleted  AnalysisStatus = "COMPLETED"
)

// LoadStatus is the outcome of a load.
type LoadStatus string

const (
	LoadCompleted LoadStatus = "COMPLETED"
	LoadAborted   LoadStatus = "ABORTED"
)

// SourceStats breaks down analysis counts for one original data source.
type SourceStats struct {
	DataSource            Code `json:"dataSource"`
	RecordCount           int  `json:"recordCount"`
	RecordsWithRecordID   int  `json:"recordsWithRecordId"`
	RecordsWithEntityType int  `json:"recordsWithEntityType"`
}

// TypeStats breaks down analysis counts for one original entity type.
type TypeStats struct {
	EntityType            Code `json:"entityType"`
	RecordCount           int  `json:"recordCount"`
	RecordsWithRecordID   int  `json:"recordsWithRecordId"`
	RecordsWithDataSource int  `json:"recordsWithDataSource"`
}

// BulkDataAnalysis is the result of a read-only pass over a source.
// BySource and ByType are ordered by the first occurrence of each code.
type BulkDataAnalysis struct {
	Status                AnalysisStatus `json:"status"`
	MediaType             string         `json:"mediaType"`
	CharacterEncoding     string         `json:"characterEncoding"`
	Format                Format         `json:"format"`
	RecordCount           int            `json:"recordCount"`
	RecordsWithRecordID   int            `json:"recordsWithRecordId"`
	RecordsWithDataSource int            `json:"recordsWithDataSource"`
	RecordsWithEntityType int            `json:"recordsWithEntityType"`
	MalformedRecordCount  int            `json:"malformedRecordCount"`
	BySource              []SourceStats  `json:"analysisBySource"`
	ByType                []TypeStats    `json:"analysisByEntityType"`
}

// RecordsWithoutRecordID returns the number of records lacking RECORD_ID.
func (a *BulkDataAnalysis) RecordsWithoutRecordID() int {
	return a.RecordCount - a.RecordsWithRecordID
}

// Source returns the stats for an original data source.
func (a *BulkDataAnalysis) Source(c Code) (SourceStats, bool) {
	for _, s := range a.BySource {
		if s.DataSource == c {
			return s, true
		}
	}
	return SourceStats{}, false
}

// Type returns the stats for an original entity type.
func (a *BulkDataAnalysis) Type(c Code) (TypeStats, bool) {
	for _, t := range a.ByType {
		if t.EntityType == c {
			return t, true
		}
	}
	return TypeStats{}, false
}

// LoadCounts partitions the records attempted for one key.
// RecordCount = IncompleteRecordCount + FailedRecordCount + LoadedRecordCount.
type LoadCounts struct {
	RecordCount           int `json:"recordCount"`
	IncompleteRecordCount int `json:"incompleteRecordCount"`
	FailedRecordCount     int `json:"failedRecordCount"`
	LoadedRecordCount     int `json:"loadedRecordCount"`
}

// SourceLoadStats holds load counts for one effective data source.
type SourceLoadStats struct {
	DataSource Code `json:"dataSource"`
	LoadCounts
}

// TypeLoadStats holds load counts for one effective entity type.
type TypeLoadStats struct {
	EntityType Code `json:"entityType"`
	LoadCounts
}

// BulkLoadError is one sampled per-record failure.
type BulkLoadError struct {
	Line       int    `json:"line"`
	RecordID   Code   `json:"recordId"`
	DataSource Code   `json:"dataSource"`
	EntityType Code   `json:"entityType"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// BulkLoadResult is the frozen outcome of a load.
type BulkLoadResult struct {
	LoadID                 string            `json:"loadId,omitempty"`
	Status                 LoadStatus        `json:"status"`
	MediaType              string            `json:"mediaType"`
	CharacterEncoding      string            `json:"characterEncoding"`
	Format                 Format            `json:"format"`
	RecordCount            int               `json:"recordCount"`
	LoadedRecordCount      int               `json:"loadedRecordCount"`
	FailedRecordCount      int               `json:"failedRecordCount"`
	IncompleteRecordCount  int               `json:"incompleteRecordCount"`
	MissingDataSourceCount int               `json:"missingDataSourceCount"`
	MissingEntityTypeCount int               `json:"missingEntityTypeCount"`
	ResultsBySource        []SourceLoadStats `json:"resultsBySource"`
	ResultsByType          []TypeLoadStats   `json:"resultsByEntityType"`
	TopErrors              []BulkLoadError   `json:"topErrors"`
	Duration               time.Duration     `json:"-"`
	DurationMs             int64             `json:"durationMs"`
}

// Source returns the load stats for an effective data source.
func (r *BulkLoadResult) Source(c Code) (SourceLoadStats, bool) {
	for _, s := range r.ResultsBySource {
		if s.DataSource == c {
			return s, true
		}
	}
	return SourceLoadStats{}, false
}

// Type returns the load stats for an effective entity type.
func (r *BulkLoadResult) Type(c Code) (TypeLoadStats, bool) {
	for _, t := range r.ResultsByType {
		if t.EntityType == c {
			return t, true
		}
	}
	return TypeLoadStats{}, false
}
