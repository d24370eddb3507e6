package modelloader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type stubS3 struct {
	input *s3.GetObjectInput
	body  string
	err   error
}

func (s *stubS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.input = params
	if s.err != nil {
		return nil, s.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(s.body))}, nil
}

func TestS3SourceFetchesObject(t *testing.T) {
	client := &stubS3{body: "onnx-bytes"}
	src := NewS3Source(client, "models", "cancer/model.onnx", 1024)

	data, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "onnx-bytes", string(data))
	require.Equal(t, "models", aws.ToString(client.input.Bucket))
	require.Equal(t, "cancer/model.onnx", aws.ToString(client.input.Key))
	require.Equal(t, "s3://models/cancer/model.onnx", src.String())
}

func TestS3SourcePropagatesErrors(t *testing.T) {
	src := NewS3Source(&stubS3{err: errors.New("access denied")}, "models", "m.onnx", 1024)

	_, err := src.Fetch(context.Background())
	require.ErrorContains(t, err, "access denied")
}

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model.onnx" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("graph"))
	}))
	defer srv.Close()

	data, err := NewHTTPSource(srv.Client(), srv.URL+"/model.onnx", 1024).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "graph", string(data))

	_, err = NewHTTPSource(srv.Client(), srv.URL+"/missing", 1024).Fetch(context.Background())
	require.ErrorContains(t, err, "unexpected status 404")
}

func TestFileSourceEnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	data, err := NewFileSource(path, 10).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, data, 10)

	_, err = NewFileSource(path, 9).Fetch(context.Background())
	require.ErrorContains(t, err, "exceeds 9 bytes")
}

func TestReadLimitedRejectsEmptyArtifact(t *testing.T) {
	_, err := readLimited(strings.NewReader(""), 10)
	require.Error(t, err)
}

func TestNewSourceSelectsImplementation(t *testing.T) {
	ctx := context.Background()

	src, err := NewSource(ctx, "https://example.com/model.onnx", 10, S3Options{})
	require.NoError(t, err)
	require.IsType(t, &HTTPSource{}, src)

	src, err = NewSource(ctx, "file://models/model.onnx", 10, S3Options{})
	require.NoError(t, err)
	require.Equal(t, "file://models/model.onnx", src.String())

	src, err = NewSource(ctx, "/var/lib/model.onnx", 10, S3Options{})
	require.NoError(t, err)
	require.IsType(t, &FileSource{}, src)

	_, err = NewSource(ctx, "s3://bucket-only", 10, S3Options{})
	require.Error(t, err)

	_, err = NewSource(ctx, "gs://bucket/model.onnx", 10, S3Options{})
	require.ErrorContains(t, err, "unsupported")
}
