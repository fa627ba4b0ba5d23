package recipients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

// ObjectGetter is the S3 call used for s3:// sources.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader opens a source and picks a parser from its extension: .csv, .json,
// anything else is plain text.
type Loader struct {
	s3 ObjectGetter
}

// NewLoader returns a Loader. s3Client may be nil when only local files are read.
func NewLoader(s3Client ObjectGetter) *Loader {
	return &Loader{s3: s3Client}
}

// NewS3Loader builds a Loader with an S3 client for the storage region and
// profile.
func NewS3Loader(ctx context.Context, cfg config.StorageConfig) (*Loader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewLoader(s3.NewFromConfig(awsCfg)), nil
}

// Load reads local files only.
func Load(ctx context.Context, source string) ([]dispatch.Recipient, error) {
	return NewLoader(nil).Load(ctx, source)
}

// Load reads source, a path or s3://bucket/key.
func (l *Loader) Load(ctx context.Context, source string) ([]dispatch.Recipient, error) {
	rc, name, err := l.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out, err := ParserFor(name)(rc)
	var pe *ParseError
	if err != nil && !errors.As(err, &pe) {
		return nil, fmt.Errorf("loading %s: %w", source, err)
	}
	logger.Info("recipients loaded", "source", source, "count", len(out), "rejected", countParseErrors(err))
	return out, err
}

// ParseFunc parses one recipient list.
type ParseFunc func(io.Reader) ([]dispatch.Recipient, error)

// ParserFor picks a parser by file extension. Anything that is not .csv or
// .json is read as one address per line.
func ParserFor(name string) ParseFunc {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return ParseCSV
	case ".json":
		return ParseJSON
	default:
		return ParseText
	}
}

// ParserByFormat returns the parser named by format: csv, json, text or txt.
func ParserByFormat(format string) (ParseFunc, bool) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return ParseCSV, true
	case "json":
		return ParseJSON, true
	case "text", "txt":
		return ParseText, true
	default:
		return nil, false
	}
}

func (l *Loader) open(ctx context.Context, source string) (io.ReadCloser, string, error) {
	if bucket, key, ok := splitS3(source); ok {
		if l.s3 == nil {
			return nil, "", fmt.Errorf("loading %s: no S3 client configured", source)
		}
		obj, err := l.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return nil, "", fmt.Errorf("getting object from S3: %w", err)
		}
		return obj.Body, key, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, "", fmt.Errorf("opening recipients file: %w", err)
	}
	return f, source, nil
}

func splitS3(source string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(source, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// countParseErrors counts the *ParseError values inside a joined error.
func countParseErrors(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range joined.Unwrap() {
			n += countParseErrors(e)
		}
		return n
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return 1
	}
	return 0
}

// ParseErrors flattens the *ParseError values inside err.
func ParseErrors(err error) []*ParseError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*ParseError
		for _, e := range joined.Unwrap() {
			out = append(out, ParseErrors(e)...)
		}
		return out
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return []*ParseError{pe}
	}
	return nil
}
