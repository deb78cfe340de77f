package web

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/JonMunkholm/bulkload/internal/core"
)

// defaultBodyName names raw request bodies in history and logs.
const defaultBodyName = "request-body"

// requestSource builds a Source from the request body, capped at the
// configured maximum size. Multipart requests are read from their "file"
// part; any other body is the data itself, typed by its Content-Type.
// Nothing is buffered.
func (s *Server) requestSource(w http.ResponseWriter, r *http.Request) (core.Source, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Load.MaxFileSize)

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mediaType, "multipart/") {
		return multipartSource(r.Body, params["boundary"])
	}

	name := r.URL.Query().Get("fileName")
	if name == "" {
		name = defaultBodyName
	}
	return core.Source{
		Name:      name,
		MediaType: contentType,
		Size:      max(r.ContentLength, 0),
		Reader:    r.Body,
	}, nil
}

func multipartSource(body io.Reader, boundary string) (core.Source, error) {
	if boundary == "" {
		return core.Source{}, badRequest(errors.New("invalid parameter: multipart body without boundary"))
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return core.Source{}, errNoFile
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return core.Source{}, err
			}
			return core.Source{}, badRequest(fmt.Errorf("invalid parameter: read multipart body: %w", err))
		}
		if part.FormName() != "file" {
			continue
		}

		name := part.FileName()
		if name == "" {
			name = defaultBodyName
		}
		return core.Source{
			Name:      name,
			MediaType: part.Header.Get("Content-Type"),
			Reader:    part,
		}, nil
	}
}

// spoolFile is a temporary copy of a request body that deletes itself on
// Close.
type spoolFile struct {
	*os.File
}

func (f *spoolFile) Close() error {
	err := f.File.Close()
	os.Remove(f.Name())
	return err
}

// spool copies src to a temporary file so an async load can outlive the
// request. The returned Source owns the file.
func spool(src core.Source) (core.Source, error) {
	f, err := os.CreateTemp("", "bulkload-*")
	if err != nil {
		return core.Source{}, fmt.Errorf("spool request body: %w", err)
	}
	tmp := &spoolFile{File: f}

	n, err := io.Copy(f, src.Reader)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		return core.Source{}, err
	}

	src.Reader = tmp
	src.Size = n
	return src, nil
}
