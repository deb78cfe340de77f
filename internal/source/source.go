// Package source opens bulk inputs named on the command line: local files,
// stdin and S3 objects.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/JonMunkholm/bulkload/internal/config"
	"github.com/JonMunkholm/bulkload/internal/core"
)

// Stdin is the location that reads from standard input.
const Stdin = "-"

// ErrNotFound is returned when the named input does not exist.
var ErrNotFound = errors.New("source not found")

// S3API is the subset of *s3.Client used to read objects.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Opener resolves input locations to core.Source values. S3 is optional;
// s3:// locations fail without it.
type Opener struct {
	S3    S3API
	Stdin io.Reader
}

// Open returns a Source for location. mediaType overrides the type derived
// from the file extension or object metadata. The caller closes the
// Source.Reader when it is an io.Closer.
func (o *Opener) Open(ctx context.Context, location, mediaType string) (core.Source, error) {
	switch {
	case location == Stdin:
		in := o.Stdin
		if in == nil {
			in = os.Stdin
		}
		return core.Source{Name: "stdin", MediaType: mediaType, Reader: in}, nil
	case strings.HasPrefix(location, "s3://"):
		return o.openS3(ctx, location, mediaType)
	default:
		return openFile(location, mediaType)
	}
}

func openFile(path, mediaType string) (core.Source, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.Source{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return core.Source{}, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return core.Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return core.Source{}, fmt.Errorf("open %s: is a directory", path)
	}

	if mediaType == "" {
		mediaType = MediaTypeForName(path)
	}
	return core.Source{
		Name:      filepath.Base(path),
		MediaType: mediaType,
		Size:      info.Size(),
		Reader:    f,
	}, nil
}

func (o *Opener) openS3(ctx context.Context, location, mediaType string) (core.Source, error) {
	if o.S3 == nil {
		return core.Source{}, fmt.Errorf("open %s: s3 is not configured", location)
	}
	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return core.Source{}, err
	}

	out, err := o.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return core.Source{}, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return core.Source{}, fmt.Errorf("get object %s: %w", location, err)
	}

	if mediaType == "" {
		mediaType = MediaTypeForName(key)
	}
	if mediaType == "" {
		mediaType = aws.ToString(out.ContentType)
	}
	return core.Source{
		Name:      location,
		MediaType: mediaType,
		Size:      aws.ToInt64(out.ContentLength),
		Reader:    out.Body,
	}, nil
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid s3 uri %q: missing s3:// prefix", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: want s3://bucket/key", uri)
	}
	return bucket, key, nil
}

// MediaTypeForName guesses a media type from a file extension. Unknown
// extensions return "" so the content is sniffed.
func MediaTypeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return core.MediaTypeCSV
	case ".tsv", ".tab":
		return core.MediaTypeTSV
	case ".json":
		return core.MediaTypeJSON
	case ".jsonl", ".ndjson":
		return core.MediaTypeJSONLines
	}
	return ""
}

// NewS3Client builds an S3 client from the default AWS credential chain
// with the region, endpoint and addressing overrides in cfg.
func NewS3Client(ctx context.Context, cfg config.SourceConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}
