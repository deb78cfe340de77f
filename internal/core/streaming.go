package core

// streaming.go provides the byte-level readers that sit between a raw
// source and the record extractors:
//
//   - StreamingCountingReader: counts raw bytes for progress reporting
//   - charset decoding via golang.org/x/text for non UTF-8 input
//   - BOMSkippingReader: removes a leading UTF-8 BOM
//   - StreamingUTF8Sanitizer: replaces invalid UTF-8 bytes with '?'
//
// Use WrapForStreaming to stack them in the correct order.

import (
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// StreamingUTF8Sanitizer replaces invalid UTF-8 bytes with '?' as data
// streams through. A multi-byte sequence split across two reads is held
// back until the rest of it arrives.
//
// Reads must use buffers of at least utf8.UTFMax bytes.
type StreamingUTF8Sanitizer struct {
	reader  io.Reader
	pending []byte
}

// NewStreamingUTF8Sanitizer creates a new streaming UTF-8 sanitizer.
func NewStreamingUTF8Sanitizer(r io.Reader) *StreamingUTF8Sanitizer {
	return &StreamingUTF8Sanitizer{
		reader:  r,
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

// Read implements io.Reader.
func (s *StreamingUTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := copy(p, s.pending)
	s.pending = s.pending[:0]

	m, err := s.reader.Read(p[n:])
	n += m
	if n == 0 {
		return 0, err
	}

	return s.sanitize(p[:n], err != nil), err
}

// sanitize rewrites data in place and returns the number of bytes to emit.
func (s *StreamingUTF8Sanitizer) sanitize(data []byte, final bool) int {
	if !final {
		if k := incompleteTail(data); k > 0 {
			s.pending = append(s.pending, data[len(data)-k:]...)
			data = data[:len(data)-k]
		}
	}

	if isASCII(data) || utf8.Valid(data) {
		return len(data)
	}

	w := 0
	for r := 0; r < len(data); {
		c, size := utf8.DecodeRune(data[r:])
		if c == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			r++
			continue
		}
		copy(data[w:], data[r:r+size])
		w += size
		r += size
	}
	return w
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// incompleteTail returns how many trailing bytes of data form the start of
// a multi-byte sequence that has not been fully read yet.
func incompleteTail(data []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if b&0xC0 == 0x80 {
			continue
		}
		if b < utf8.RuneSelf {
			return 0
		}
		if seqLen(b) > i {
			return i
		}
		return 0
	}
	return 0
}

// seqLen returns the length of the UTF-8 sequence led by b.
func seqLen(b byte) int {
	switch {
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

// BOMSkippingReader drops a leading UTF-8 BOM. Decoded UTF-16 input also
// arrives here with its BOM re-encoded as UTF-8.
type BOMSkippingReader struct {
	reader  io.Reader
	checked bool
	eof     bool
	head    []byte
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{reader: r}
}

// Read implements io.Reader.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true

		var buf [3]byte
		n, err := io.ReadFull(r.reader, buf[:])
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			r.eof = true
		default:
			return 0, err
		}
		if n == len(buf) && bytes.Equal(buf[:], utf8BOM) {
			n = 0
		}
		r.head = append(r.head, buf[:n]...)
	}

	if len(r.head) > 0 {
		n := copy(p, r.head)
		r.head = r.head[n:]
		return n, nil
	}
	if r.eof {
		return 0, io.EOF
	}
	return r.reader.Read(p)
}

// StreamingCountingReader counts bytes read from the raw source. The count
// may be read from other goroutines while the source is being consumed.
type StreamingCountingReader struct {
	reader io.Reader
	read   atomic.Int64
	total  int64
}

// NewStreamingCountingReader creates a counting reader. total is 0 when the
// source size is unknown.
func NewStreamingCountingReader(r io.Reader, total int64) *StreamingCountingReader {
	return &StreamingCountingReader{reader: r, total: total}
}

// Read implements io.Reader.
func (r *StreamingCountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read.Add(int64(n))
	return n, err
}

// BytesRead returns the number of raw bytes consumed so far.
func (r *StreamingCountingReader) BytesRead() int64 {
	return r.read.Load()
}

// Total returns the declared source size, or 0 if unknown.
func (r *StreamingCountingReader) Total() int64 {
	return r.total
}

// Progress returns the read progress as a percentage (0-100).
// Returns 0 if total is unknown.
func (r *StreamingCountingReader) Progress() int {
	if r.total <= 0 {
		return 0
	}
	p := int(r.read.Load() * 100 / r.total)
	if p > 100 {
		p = 100
	}
	return p
}

// WrapForStreaming stacks the streaming readers over a raw source:
//
//  1. byte counting on the raw bytes, so progress matches the source size
//  2. charset decoding to UTF-8 when enc is non-nil
//  3. BOM stripping
//  4. UTF-8 sanitization
//
// It returns the decoded stream and the counter.
func WrapForStreaming(r io.Reader, totalSize int64, enc encoding.Encoding) (io.Reader, *StreamingCountingReader) {
	counter := NewStreamingCountingReader(r, totalSize)

	var src io.Reader = counter
	if enc != nil {
		src = transform.NewReader(src, enc.NewDecoder())
	}

	return NewStreamingUTF8Sanitizer(NewBOMSkippingReader(src)), counter
}
