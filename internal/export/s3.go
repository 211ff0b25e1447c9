package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"lolbin-sentinel/internal/alertstore"
)

// S3Config holds the archive bucket configuration.
type S3Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint overrides the AWS endpoint, for MinIO and friends.
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style"`

	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass     string `yaml:"storage_class"`
	RetryMaxAttempts int    `yaml:"retry_max_attempts"`
}

// DefaultS3Config returns default archive settings.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:           "us-east-1",
		Prefix:           "alerts/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
	}
}

// Validate checks the configuration.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

func (c *S3Config) storageClass() types.StorageClass {
	switch c.StorageClass {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// S3Archiver uploads gzipped CSV exports to an archive bucket.
type S3Archiver struct {
	client *s3.Client
	cfg    S3Config
	logger *slog.Logger
}

// NewS3Archiver creates an archiver over the configured bucket.
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		logger: logger,
	}

	logger.Info("s3 archiver initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return a, nil
}

// Archive uploads the alerts as a gzipped CSV object keyed by date and
// upload time. Returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, alerts []*alertstore.Alert, now time.Time) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := WriteCSV(gz, alerts); err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("compress archive: %w", err)
	}

	now = now.UTC()
	key := fmt.Sprintf("%s%s/alerts-%s.csv.gz",
		a.cfg.Prefix,
		now.Format("2006-01-02"),
		now.Format("150405"),
	)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("text/csv"),
		ContentEncoding: aws.String("gzip"),
		StorageClass:    a.cfg.storageClass(),
	})
	if err != nil {
		return "", fmt.Errorf("s3: failed to upload archive %s: %w", key, err)
	}

	a.logger.Info("alert archive uploaded",
		"key", key,
		"alerts", len(alerts),
		"bytes", buf.Len(),
	)
	return key, nil
}
