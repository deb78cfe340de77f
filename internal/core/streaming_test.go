package core

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func TestBOMSkippingReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "input with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("RECORD_ID,NAME")...),
			expected: "RECORD_ID,NAME",
		},
		{
			name:     "input without BOM",
			input:    []byte("RECORD_ID,NAME"),
			expected: "RECORD_ID,NAME",
		},
		{
			name:     "empty input",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM at start",
			input:    []byte{0xEF, 0xBB, 'a', 'b', 'c'},
			expected: string([]byte{0xEF, 0xBB, 'a', 'b', 'c'}),
		},
		{
			name:     "shorter than a BOM",
			input:    []byte("ab"),
			expected: "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewBOMSkippingReader(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestStreamingUTF8Sanitizer(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "valid ASCII",
			input:    []byte("hello,world"),
			expected: "hello,world",
		},
		{
			name:     "valid multibyte",
			input:    []byte("Zoë,Müller"),
			expected: "Zoë,Müller",
		},
		{
			name:     "invalid single byte replaced",
			input:    []byte{'h', 'e', 0x80, 'l', 'o'},
			expected: "he?lo",
		},
		{
			name:     "truncated sequence at end",
			input:    []byte{'a', 0xC3},
			expected: "a?",
		},
		{
			name:     "empty input",
			input:    []byte{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewStreamingUTF8Sanitizer(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestStreamingUTF8Sanitizer_SplitSequence(t *testing.T) {
	// One byte per read forces every multi-byte rune to straddle reads.
	input := "Zoë Ångström 東京"
	reader := NewStreamingUTF8Sanitizer(iotest.OneByteReader(strings.NewReader(input)))

	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != input {
		t.Errorf("got %q, want %q", string(result), input)
	}
}

func TestStreamingCountingReader(t *testing.T) {
	input := strings.Repeat("x", 1000)
	reader := NewStreamingCountingReader(strings.NewReader(input), int64(len(input)))

	buf := make([]byte, 100)
	totalRead := 0
	for {
		n, err := reader.Read(buf)
		totalRead += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if totalRead != len(input) {
		t.Errorf("total read = %d, want %d", totalRead, len(input))
	}
	if got := reader.BytesRead(); got != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", got, len(input))
	}
	if got := reader.Progress(); got != 100 {
		t.Errorf("Progress = %d, want 100", got)
	}
}

func TestStreamingCountingReader_UnknownTotal(t *testing.T) {
	reader := NewStreamingCountingReader(strings.NewReader("abc"), 0)
	if _, err := io.ReadAll(reader); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reader.Progress(); got != 0 {
		t.Errorf("Progress = %d, want 0", got)
	}
}

func TestWrapForStreaming(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte{'h', 'e', 0x80, 'l', 'o'}...)

	reader, counter := WrapForStreaming(bytes.NewReader(input), int64(len(input)), nil)
	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(result) != "he?lo" {
		t.Errorf("got %q, want %q", string(result), "he?lo")
	}
	if counter.BytesRead() != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", counter.BytesRead(), len(input))
	}
}

func TestWrapForStreaming_Decodes(t *testing.T) {
	t.Run("utf-16le with BOM", func(t *testing.T) {
		input := []byte{0xFF, 0xFE, 'a', 0x00, ',', 0x00, 'b', 0x00}
		reader, counter := WrapForStreaming(bytes.NewReader(input), 0, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM))

		result, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(result) != "a,b" {
			t.Errorf("got %q, want %q", string(result), "a,b")
		}
		if counter.BytesRead() != int64(len(input)) {
			t.Errorf("BytesRead = %d, want %d", counter.BytesRead(), len(input))
		}
	})

	t.Run("latin-1", func(t *testing.T) {
		input := []byte{'Z', 'o', 0xEB}
		reader, _ := WrapForStreaming(bytes.NewReader(input), 0, charmap.ISO8859_1)

		result, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(result) != "Zoë" {
			t.Errorf("got %q, want %q", string(result), "Zoë")
		}
	})
}
