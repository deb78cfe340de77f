package core

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RecordReader is a forward-only cursor over the records of an input.
//
// Next returns io.EOF after the last record. A *MalformedRecordError is
// returned together with whatever part of the record could be salvaged;
// reading may continue after it. Any other error is fatal.
type RecordReader interface {
	Next() (RawRecord, error)
}

// extractors dispatches on the detected format.
var extractors = map[Format]func(*bufio.Reader, FormatInfo) RecordReader{
	FormatCSV:       newCSVRecordReader,
	FormatJSONArray: newJSONArrayRecordReader,
	FormatJSONLines: newJSONLinesRecordReader,
}

func newRecordReader(r *bufio.Reader, info FormatInfo) RecordReader {
	newReader, ok := extractors[info.Format]
	if !ok {
		return errRecordReader{err: &UnsupportedFormatError{MediaType: info.MediaType, Reason: "no extractor for " + string(info.Format)}}
	}
	return newReader(r, info)
}

type errRecordReader struct{ err error }

func (e errRecordReader) Next() (RawRecord, error) { return RawRecord{}, e.err }

// =============================================================================
// CSV
// =============================================================================

type csvRecordReader struct {
	r      *csv.Reader
	header []string
	done   bool
}

func newCSVRecordReader(r *bufio.Reader, info FormatInfo) RecordReader {
	cr := csv.NewReader(r)
	if info.Delimiter != 0 {
		cr.Comma = info.Delimiter
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return &csvRecordReader{r: cr}
}

func (c *csvRecordReader) Next() (RawRecord, error) {
	if c.done {
		return RawRecord{}, io.EOF
	}

	if c.header == nil {
		header, err := c.r.Read()
		if err != nil {
			c.done = true
			if err == io.EOF {
				return RawRecord{}, io.EOF
			}
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return RawRecord{}, &UnsupportedFormatError{MediaType: MediaTypeCSV, Reason: "unreadable header: " + pe.Err.Error()}
			}
			return RawRecord{}, fmt.Errorf("read csv header: %w", err)
		}
		c.header = make([]string, len(header))
		for i, h := range header {
			c.header[i] = strings.TrimSpace(h)
		}
	}

	row, err := c.r.Read()
	if err != nil {
		if err == io.EOF {
			c.done = true
			return RawRecord{}, io.EOF
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return RawRecord{Line: pe.StartLine}, &MalformedRecordError{Line: pe.StartLine, Err: pe.Err}
		}
		return RawRecord{}, fmt.Errorf("read csv: %w", err)
	}

	line, _ := c.r.FieldPos(0)

	n := min(len(row), len(c.header))
	fields := make(Fields, n)
	for i := range n {
		fields[i] = Field{Name: c.header[i], Value: row[i]}
	}
	rec := newRawRecord(line, fields)

	if len(row) != len(c.header) {
		return rec, &MalformedRecordError{
			Line: line,
			Err:  fmt.Errorf("expected %d fields, got %d", len(c.header), len(row)),
		}
	}
	return rec, nil
}

// =============================================================================
// JSON lines
// =============================================================================

type jsonLinesRecordReader struct {
	r    *bufio.Reader
	line int
	done bool
}

func newJSONLinesRecordReader(r *bufio.Reader, _ FormatInfo) RecordReader {
	return &jsonLinesRecordReader{r: r}
}

func (j *jsonLinesRecordReader) Next() (RawRecord, error) {
	for !j.done {
		raw, err := j.r.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				return RawRecord{}, fmt.Errorf("read json lines: %w", err)
			}
			j.done = true
			if len(raw) == 0 {
				break
			}
		}
		j.line++

		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}

		fields, err := parseObject(raw)
		if err != nil {
			return RawRecord{Line: j.line}, &MalformedRecordError{Line: j.line, Err: err}
		}
		return newRawRecord(j.line, fields), nil
	}
	return RawRecord{}, io.EOF
}

// =============================================================================
// JSON array
// =============================================================================

type jsonArrayRecordReader struct {
	dec     *json.Decoder
	index   int
	started bool
	done    bool
}

func newJSONArrayRecordReader(r *bufio.Reader, _ FormatInfo) RecordReader {
	return &jsonArrayRecordReader{dec: json.NewDecoder(r)}
}

func (j *jsonArrayRecordReader) Next() (RawRecord, error) {
	if j.done {
		return RawRecord{}, io.EOF
	}

	if !j.started {
		j.started = true
		tok, err := j.dec.Token()
		if err != nil {
			j.done = true
			if err == io.EOF {
				return RawRecord{}, io.EOF
			}
			if isJSONSyntax(err) {
				return RawRecord{}, &UnsupportedFormatError{MediaType: MediaTypeJSON, Reason: err.Error()}
			}
			return RawRecord{}, fmt.Errorf("read json array: %w", err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			j.done = true
			return RawRecord{}, &UnsupportedFormatError{MediaType: MediaTypeJSON, Reason: "input is not a JSON array"}
		}
	}

	// An unterminated array simply ends here.
	if !j.dec.More() {
		j.done = true
		return RawRecord{}, io.EOF
	}

	j.index++
	var raw json.RawMessage
	if err := j.dec.Decode(&raw); err != nil {
		// The decoder cannot resynchronize after a syntax error.
		j.done = true
		if isJSONSyntax(err) {
			return RawRecord{Line: j.index}, &MalformedRecordError{Line: j.index, Err: err}
		}
		return RawRecord{}, fmt.Errorf("read json array: %w", err)
	}

	fields, err := parseObject(raw)
	if err != nil {
		return RawRecord{Line: j.index}, &MalformedRecordError{Line: j.index, Err: err}
	}
	return newRawRecord(j.index, fields), nil
}

func isJSONSyntax(err error) bool {
	var se *json.SyntaxError
	return errors.As(err, &se) || errors.Is(err, io.ErrUnexpectedEOF)
}

// errNotObject is the cause of a malformed record that is valid JSON but
// not an object.
var errNotObject = errors.New("not a JSON object")

// parseObject splits a JSON object into its members in source order.
func parseObject(raw []byte) (Fields, error) {
	var probe json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}

	var fields Fields
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: name, Value: value})
	}
	return fields, nil
}
