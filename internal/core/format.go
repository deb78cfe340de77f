package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Format is the structural format of a bulk input.
type Format string

const (
	FormatCSV       Format = "CSV"
	FormatJSONArray Format = "JSON_ARRAY"
	FormatJSONLines Format = "JSON_LINES"
)

// Canonical media types reported for detected formats.
const (
	MediaTypeCSV       = "text/csv"
	MediaTypeTSV       = "text/tab-separated-values"
	MediaTypeJSON      = "application/json"
	MediaTypeJSONLines = "application/x-jsonlines"
)

// DefaultLookahead is how many decoded bytes detection may inspect.
const DefaultLookahead = 64 * 1024

// FormatInfo describes a classified input.
type FormatInfo struct {
	Format            Format
	MediaType         string
	CharacterEncoding string
	Delimiter         rune
}

// declaredFormats maps explicit media types to the format they name.
// application/json is handled separately since it covers both JSON forms.
var declaredFormats = map[string]Format{
	"text/csv":                    FormatCSV,
	"application/csv":             FormatCSV,
	"text/comma-separated-values": FormatCSV,
	"text/x-csv":                  FormatCSV,
	MediaTypeTSV:                  FormatCSV,
	"application/x-ndjson":        FormatJSONLines,
	"application/ndjson":          FormatJSONLines,
	"application/x-jsonlines":     FormatJSONLines,
	"application/jsonlines":       FormatJSONLines,
	"application/jsonl":           FormatJSONLines,
}

// csvDelimiters are the header delimiters recognized when sniffing, in
// tie-break order.
var csvDelimiters = []rune{',', '\t', '|', ';'}

// maxSniffLines bounds how many complete lines confirm a JSON lines guess.
const maxSniffLines = 5

// DetectFormat classifies input from its declared media type and a peek at
// its decoded content. A recognized media type wins; generic or missing
// types are sniffed. atEOF reports whether peek holds the whole input.
// DetectFormat does not set CharacterEncoding.
func DetectFormat(mediaType string, peek []byte, atEOF bool) (FormatInfo, error) {
	base, _ := splitMediaType(mediaType)

	if f, ok := declaredFormats[base]; ok {
		info := FormatInfo{Format: f, MediaType: base}
		switch {
		case base == MediaTypeTSV:
			info.Delimiter = '\t'
		case f == FormatCSV:
			info.MediaType = MediaTypeCSV
			info.Delimiter = ','
			if d, ok := sniffDelimiter(firstLine(peek)); ok {
				info.Delimiter = d
			}
		default:
			info.MediaType = MediaTypeJSONLines
		}
		return info, nil
	}

	if base == MediaTypeJSON || base == "text/json" {
		if first, ok := firstSignificant(peek); ok && first == '[' {
			return FormatInfo{Format: FormatJSONArray, MediaType: MediaTypeJSON}, nil
		}
		return FormatInfo{Format: FormatJSONLines, MediaType: MediaTypeJSONLines}, nil
	}

	return sniffFormat(base, peek, atEOF)
}

func sniffFormat(declared string, peek []byte, atEOF bool) (FormatInfo, error) {
	first, ok := firstSignificant(peek)
	if !ok {
		return FormatInfo{}, &UnsupportedFormatError{MediaType: declared, Reason: "no content"}
	}

	if detected, text := isText(peek); !text {
		return FormatInfo{}, &UnsupportedFormatError{
			MediaType: declared,
			Reason:    "binary content (" + detected + ")",
		}
	}

	content := bytes.TrimLeft(peek, " \t\r\n")

	switch first {
	case '[':
		return FormatInfo{Format: FormatJSONArray, MediaType: MediaTypeJSON}, nil
	case '{':
		if looksLikeJSONLines(content, atEOF) {
			return FormatInfo{Format: FormatJSONLines, MediaType: MediaTypeJSONLines}, nil
		}
		return FormatInfo{}, &UnsupportedFormatError{
			MediaType: declared,
			Reason:    "leading JSON object is not newline delimited",
		}
	}

	if d, ok := sniffDelimiter(firstLine(content)); ok {
		info := FormatInfo{Format: FormatCSV, MediaType: MediaTypeCSV, Delimiter: d}
		if d == '\t' {
			info.MediaType = MediaTypeTSV
		}
		return info, nil
	}

	return FormatInfo{}, &UnsupportedFormatError{
		MediaType: declared,
		Reason:    "content is not CSV, a JSON array or JSON lines",
	}
}

// isText reports whether mimetype places the content under text/plain.
func isText(peek []byte) (string, bool) {
	detected := mimetype.Detect(peek)
	for mt := detected; mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return detected.String(), true
		}
	}
	return detected.String(), false
}

// looksLikeJSONLines reports whether content reads as newline-delimited
// objects. One valid object among the leading lines is enough, so a broken
// line near the top stays a malformed record instead of failing detection.
// A first line that is a bare "{" is a pretty-printed document. A line cut
// off by the lookahead is accepted when it opens an object.
func looksLikeJSONLines(content []byte, atEOF bool) bool {
	seen := 0
	for len(content) > 0 && seen < maxSniffLines {
		line, rest, found := bytes.Cut(content, []byte{'\n'})
		content = rest

		if !found && !atEOF {
			line = bytes.TrimSpace(line)
			return len(line) > 0 && line[0] == '{'
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if seen == 0 && bytes.Equal(line, []byte{'{'}) {
			return false
		}
		seen++
		if line[0] == '{' && json.Valid(line) {
			return true
		}
	}
	return false
}

// sniffDelimiter picks the most frequent recognized delimiter in a header
// line, ignoring quoted sections.
func sniffDelimiter(header string) (rune, bool) {
	counts := make(map[rune]int, len(csvDelimiters))
	quoted := false
	for _, r := range header {
		if r == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			counts[r]++
		}
	}

	best, bestCount := rune(0), 0
	for _, d := range csvDelimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best, bestCount > 0
}

func firstLine(data []byte) string {
	line, _, _ := bytes.Cut(data, []byte{'\n'})
	return string(bytes.TrimRight(line, "\r"))
}

func firstSignificant(data []byte) (byte, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return 0, false
	}
	return trimmed[0], true
}

// splitMediaType returns the lowercased base type and its parameters.
func splitMediaType(mediaType string) (string, map[string]string) {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return "", nil
	}
	base, params, err := mime.ParseMediaType(mediaType)
	if err != nil {
		base, _, _ = strings.Cut(mediaType, ";")
		return strings.ToLower(strings.TrimSpace(base)), nil
	}
	return base, params
}

// resolveEncoding picks the character encoding from the declared charset,
// then a UTF-16 byte order mark, then UTF-8. A nil encoding means the input
// is already UTF-8.
func resolveEncoding(charset string, head []byte) (encoding.Encoding, string, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "":
		switch {
		case bytes.HasPrefix(head, []byte{0xFF, 0xFE}):
			return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), "UTF-16LE", nil
		case bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
			return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), "UTF-16BE", nil
		}
		return nil, "UTF-8", nil
	case "utf-8", "utf8", "us-ascii", "ascii":
		return nil, "UTF-8", nil
	case "utf-16":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), "UTF-16", nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, "", &UnsupportedFormatError{Reason: fmt.Sprintf("unknown charset %q", charset)}
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = charset
	}
	if strings.EqualFold(name, "utf-8") {
		return nil, "UTF-8", nil
	}
	return enc, strings.ToUpper(name), nil
}

// Input is an opened, classified source ready for extraction. It is
// single pass: the record sequence cannot be restarted.
type Input struct {
	Info    FormatInfo
	reader  *bufio.Reader
	counter *StreamingCountingReader
	records RecordReader
}

// OpenInput resolves the character encoding, wraps r for streaming,
// classifies the content from a bounded lookahead and prepares the
// extractor. The lookahead bytes stay buffered and are read again by the
// extractor. size is the raw source size for progress, or 0.
func OpenInput(r io.Reader, mediaType string, size int64, lookahead int) (*Input, error) {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}

	_, params := splitMediaType(mediaType)

	raw := bufio.NewReader(r)
	head, err := raw.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read input: %w", err)
	}

	enc, encName, err := resolveEncoding(params["charset"], head)
	if err != nil {
		var ufe *UnsupportedFormatError
		if errors.As(err, &ufe) {
			ufe.MediaType = mediaType
		}
		return nil, err
	}

	decoded, counter := WrapForStreaming(raw, size, enc)
	buffered := bufio.NewReaderSize(decoded, lookahead)

	peek, err := buffered.Peek(lookahead)
	atEOF := false
	switch err {
	case nil:
	case io.EOF:
		atEOF = true
	default:
		return nil, fmt.Errorf("read input: %w", err)
	}

	info, err := DetectFormat(mediaType, peek, atEOF)
	if err != nil {
		return nil, err
	}
	info.CharacterEncoding = encName

	return &Input{
		Info:    info,
		reader:  buffered,
		counter: counter,
	}, nil
}

// Records returns the record sequence for this input. Every call returns
// the same forward-only reader.
func (in *Input) Records() RecordReader {
	if in.records == nil {
		in.records = newRecordReader(in.reader, in.Info)
	}
	return in.records
}

// BytesRead returns the number of raw source bytes consumed so far.
func (in *Input) BytesRead() int64 {
	return in.counter.BytesRead()
}

// Size returns the declared raw source size, or 0 if unknown.
func (in *Input) Size() int64 {
	return in.counter.Total()
}
