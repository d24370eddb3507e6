package modelloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Source fetches a serialized model artifact.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// S3Options configures the S3 client used for s3:// sources.
type S3Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewSource picks a Source implementation from the location scheme:
// s3://bucket/key, http(s)://..., file://path or a bare path.
func NewSource(ctx context.Context, location string, maxBytes int64, s3opts S3Options) (Source, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse model source %q: %w", location, err)
	}

	switch u.Scheme {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("model source %q must be s3://bucket/key", location)
		}
		client, err := newS3Client(ctx, s3opts)
		if err != nil {
			return nil, err
		}
		return NewS3Source(client, u.Host, key, maxBytes), nil
	case "http", "https":
		return NewHTTPSource(http.DefaultClient, location, maxBytes), nil
	case "file":
		return NewFileSource(u.Host+u.Path, maxBytes), nil
	case "":
		return NewFileSource(location, maxBytes), nil
	default:
		return nil, fmt.Errorf("unsupported model source scheme %q", u.Scheme)
	}
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               opts.Endpoint,
				HostnameImmutable: true,
				Source:            aws.EndpointSourceCustom,
			}, nil
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

// S3GetObjectAPI is the subset of the S3 client used to read artifacts.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the artifact from an S3 compatible bucket.
type S3Source struct {
	client   S3GetObjectAPI
	bucket   string
	key      string
	maxBytes int64
}

func NewS3Source(client S3GetObjectAPI, bucket, key string, maxBytes int64) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key, maxBytes: maxBytes}
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object %s: %w", s.String(), err)
	}
	defer out.Body.Close()
	return readLimited(out.Body, s.maxBytes)
}

func (s *S3Source) String() string {
	return "s3://" + s.bucket + "/" + s.key
}

// HTTPSource downloads the artifact with a GET request.
type HTTPSource struct {
	client   *http.Client
	url      string
	maxBytes int64
}

func NewHTTPSource(client *http.Client, rawURL string, maxBytes int64) *HTTPSource {
	return &HTTPSource{client: client, url: rawURL, maxBytes: maxBytes}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download model: unexpected status %d", resp.StatusCode)
	}
	return readLimited(resp.Body, s.maxBytes)
}

func (s *HTTPSource) String() string {
	return s.url
}

// FileSource reads the artifact from the local filesystem.
type FileSource struct {
	path     string
	maxBytes int64
}

func NewFileSource(path string, maxBytes int64) *FileSource {
	return &FileSource{path: path, maxBytes: maxBytes}
}

func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f, s.maxBytes)
}

func (s *FileSource) String() string {
	return "file://" + s.path
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("model artifact exceeds %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("model artifact is empty")
	}
	return data, nil
}
