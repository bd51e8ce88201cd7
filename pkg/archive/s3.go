package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	csvContentType  = "text/csv"
	metaSessionID   = "session-id"
	zstdContentEnc  = "zstd"
	defaultS3Region = "us-east-1"
)

// S3Config configures the S3 archiver.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// Compress uploads zstd-compressed objects with a .zst suffix.
	Compress bool

	// DeleteLocal removes the local file after a successful upload.
	DeleteLocal bool
}

// PutObjectAPI is the subset of the S3 client used by the archiver.
// This interface allows for mocking in tests.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads session files to an S3-compatible bucket.
type S3 struct {
	cfg    S3Config
	client PutObjectAPI
}

// NewS3 creates an archiver with an existing client.
func NewS3(cfg S3Config, client PutObjectAPI) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &S3{cfg: cfg, client: client}, nil
}

// NewS3FromConfig creates an archiver and its AWS client from cfg. Static
// credentials are used when both keys are set, otherwise the default AWS
// credential chain applies.
func NewS3FromConfig(ctx context.Context, cfg S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3(cfg, client)
}

// Name returns the archiver name.
func (*S3) Name() string { return "s3" }

// Key returns the object key for a local file.
func (a *S3) Key(localPath string) string {
	name := filepath.Base(localPath)
	if a.cfg.Compress {
		name += Extension
	}
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Archive uploads the file at localPath and returns its key.
func (a *S3) Archive(ctx context.Context, sessionID, localPath string) (string, error) {
	data, err := os.ReadFile(localPath) // #nosec G304 -- path comes from a closed sink
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", ErrArchive, localPath, err)
	}

	key := a.Key(localPath)
	in := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(csvContentType),
		Metadata:    map[string]string{metaSessionID: sessionID},
	}
	if a.cfg.Compress {
		data = Compress(data)
		in.ContentEncoding = aws.String(zstdContentEnc)
	}
	in.Body = bytes.NewReader(data)
	in.ContentLength = aws.Int64(int64(len(data)))

	if _, err := a.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("%w: uploading s3://%s/%s: %w", ErrArchive, a.cfg.Bucket, key, err)
	}
	slog.Info("session archived", "session_id", sessionID, "bucket", a.cfg.Bucket, "key", key, "bytes", len(data))

	if a.cfg.DeleteLocal {
		if err := os.Remove(localPath); err != nil {
			slog.Warn("removing archived file failed", "path", localPath, "error", err)
		}
	}
	return key, nil
}

// Verify interface compliance.
var (
	_ Archiver = (*S3)(nil)
	_ Archiver = Noop{}
)
