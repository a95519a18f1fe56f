// Package artifacts uploads terminal-phase attempt artifacts (logs and the
// final workload record) to S3 or an S3-compatible store for audit.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// DefaultRegion is the fallback region when none is configured.
const DefaultRegion = "us-east-1"

// Config configures the archive destination.
//
// Credentials follow the AWS SDK v2 default chain; explicit keys take
// precedence when both are set. For S3-compatible stores (MinIO, Wasabi)
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix"`

	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("artifacts: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("artifacts: access key id and secret access key must be provided together")
	}
	return nil
}

// objectPutter is the S3 surface the archiver uses. Narrowed for test fakes.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes attempt artifacts under
// <prefix>/<service>/task-<id>/v<version>/<name>.
type Archiver struct {
	client objectPutter
	cfg    Config
	log    *zap.Logger
}

// New builds an Archiver, resolving credentials via the SDK default chain.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Archiver{client: client, cfg: cfg, log: log}, nil
}

// NewWithClient builds an Archiver over an existing client. Used by tests.
func NewWithClient(client objectPutter, cfg Config, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{client: client, cfg: cfg, log: log}
}

// Key derives the object key for one artifact of an attempt.
func (a *Archiver) Key(service string, taskID, version int, name string) string {
	return path.Join(a.cfg.Prefix, service, fmt.Sprintf("task-%d", taskID), fmt.Sprintf("v%d", version), name)
}

// Put uploads one named artifact for the attempt.
func (a *Archiver) Put(ctx context.Context, service string, taskID, version int, name string, body []byte) error {
	key := a.Key(service, taskID, version, name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("artifacts: put s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}
	a.log.Debug("Archived artifact",
		zap.String("bucket", a.cfg.Bucket),
		zap.String("key", key),
		zap.Int("bytes", len(body)))
	return nil
}

// PutAll uploads a set of named artifacts, stopping at the first failure.
func (a *Archiver) PutAll(ctx context.Context, service string, taskID, version int, files map[string][]byte) error {
	for name, body := range files {
		if err := a.Put(ctx, service, taskID, version, name, body); err != nil {
			return err
		}
	}
	return nil
}
