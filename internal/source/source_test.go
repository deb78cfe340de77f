package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/bulkload/internal/core"
)

type fakeS3 struct {
	objects map[string]string
	types   map[string]string
	err     error
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	body, ok := f.objects[k]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if ct, ok := f.types[k]; ok {
		out.ContentType = aws.String(ct)
	}
	return out, nil
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{uri: "s3://bucket/data/people.csv", bucket: "bucket", key: "data/people.csv"},
		{uri: "s3://bucket/k", bucket: "bucket", key: "k"},
		{uri: "s3://bucket", wantErr: true},
		{uri: "s3://bucket/", wantErr: true},
		{uri: "s3:///key", wantErr: true},
		{uri: "https://bucket/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := ParseS3URI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestMediaTypeForName(t *testing.T) {
	assert.Equal(t, core.MediaTypeCSV, MediaTypeForName("a.CSV"))
	assert.Equal(t, core.MediaTypeTSV, MediaTypeForName("a.tsv"))
	assert.Equal(t, core.MediaTypeJSON, MediaTypeForName("dir/a.json"))
	assert.Equal(t, core.MediaTypeJSONLines, MediaTypeForName("a.ndjson"))
	assert.Equal(t, core.MediaTypeJSONLines, MediaTypeForName("a.jsonl"))
	assert.Equal(t, "", MediaTypeForName("a.txt"))
	assert.Equal(t, "", MediaTypeForName("noext"))
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte("RECORD_ID\n1\n"), 0o600))

	src, err := (&Opener{}).Open(context.Background(), path, "")
	require.NoError(t, err)
	defer src.Reader.(io.Closer).Close()

	assert.Equal(t, "people.csv", src.Name)
	assert.Equal(t, core.MediaTypeCSV, src.MediaType)
	assert.Equal(t, int64(12), src.Size)

	src2, err := (&Opener{}).Open(context.Background(), path, "application/x-ndjson")
	require.NoError(t, err)
	defer src2.Reader.(io.Closer).Close()
	assert.Equal(t, "application/x-ndjson", src2.MediaType)
}

func TestOpen_FileErrors(t *testing.T) {
	_, err := (&Opener{}).Open(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = (&Opener{}).Open(context.Background(), t.TempDir(), "")
	assert.ErrorContains(t, err, "is a directory")
}

func TestOpen_Stdin(t *testing.T) {
	src, err := (&Opener{Stdin: strings.NewReader("[]")}).Open(context.Background(), Stdin, "")
	require.NoError(t, err)
	assert.Equal(t, "stdin", src.Name)
	assert.Equal(t, int64(0), src.Size)

	data, err := io.ReadAll(src.Reader)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestOpen_S3(t *testing.T) {
	client := &fakeS3{
		objects: map[string]string{
			"b/in/records.jsonl": `{"RECORD_ID":"1"}` + "\n",
			"b/in/export":        "RECORD_ID\n1\n",
		},
		types: map[string]string{"b/in/export": "text/csv"},
	}
	opener := &Opener{S3: client}

	src, err := opener.Open(context.Background(), "s3://b/in/records.jsonl", "")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/in/records.jsonl", src.Name)
	assert.Equal(t, core.MediaTypeJSONLines, src.MediaType)
	assert.Equal(t, int64(18), src.Size)
	_, ok := src.Reader.(io.Closer)
	assert.True(t, ok)

	src, err = opener.Open(context.Background(), "s3://b/in/export", "")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", src.MediaType, "object content type is used without an extension")

	_, err = opener.Open(context.Background(), "s3://b/missing.csv", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_S3Errors(t *testing.T) {
	_, err := (&Opener{}).Open(context.Background(), "s3://b/k.csv", "")
	assert.ErrorContains(t, err, "not configured")

	boom := errors.New("access denied")
	_, err = (&Opener{S3: &fakeS3{err: boom}}).Open(context.Background(), "s3://b/k.csv", "")
	assert.ErrorIs(t, err, boom)

	_, err = (&Opener{S3: &fakeS3{}}).Open(context.Background(), "s3://b", "")
	assert.Error(t, err)
}
