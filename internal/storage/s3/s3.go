// Package s3 archives rotated audit ledger segments to S3 or S3-compatible
// object storage.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and archive behavior configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; the default AWS credential chain is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass         string `yaml:"storage_class"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"` // AES256 or aws:kms
	KMSKeyID             string `yaml:"kms_key_id,omitempty"`
	UsePathStyle         bool   `yaml:"use_path_style"`
	Compress             bool   `yaml:"compress"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a disabled archive configuration with defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "sectrail-audit-archive",
		Prefix:           "audit/",
		StorageClass:     "GLACIER_IR",
		Compress:         true,
		RetryMaxAttempts: 3,
		Timeout:          5 * time.Minute,
	}
}

// Validate rejects archive settings the uploader cannot act on.
func (c *Config) Validate() error {
	switch {
	case c.Region == "":
		return errors.New("s3: region is required")
	case c.Bucket == "":
		return errors.New("s3: bucket is required")
	}
	switch c.ServerSideEncryption {
	case "", string(types.ServerSideEncryptionAes256), string(types.ServerSideEncryptionAwsKms):
		return nil
	}
	return fmt.Errorf("s3: unsupported server side encryption %q", c.ServerSideEncryption)
}

// ObjectStorageClass resolves StorageClass case-insensitively against the
// classes the SDK knows, falling back to STANDARD.
func (c *Config) ObjectStorageClass() types.StorageClass {
	for _, sc := range types.StorageClassStandard.Values() {
		if strings.EqualFold(string(sc), c.StorageClass) {
			return sc
		}
	}
	return types.StorageClassStandard
}

// PutObjectAPI is the subset of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads ledger segment files.
type Archiver struct {
	api    PutObjectAPI
	config *Config
	logger *slog.Logger

	objects atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
}

// Stats reports archive activity.
type Stats struct {
	ObjectsUploaded int64
	BytesUploaded   int64
	Errors          int64
}

// NewArchiver builds an S3 client from cfg and returns an archiver around it.
func NewArchiver(ctx context.Context, cfg *Config, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	a := NewArchiverWithClient(client, cfg, logger)
	a.logger.Info("s3 archiver initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass)
	return a, nil
}

// NewArchiverWithClient returns an archiver over an existing client.
func NewArchiverWithClient(api PutObjectAPI, cfg *Config, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{api: api, config: cfg, logger: logger}
}

// Archive uploads the file at localPath and returns its s3:// location. The
// object carries the SHA-256 of the uncompressed file in its metadata.
func (a *Archiver) Archive(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		a.errors.Add(1)
		return "", fmt.Errorf("s3: failed to read %s: %w", filepath.Base(localPath), err)
	}

	sum := sha256.Sum256(data)
	key := path.Join(a.config.Prefix, filepath.Base(localPath))
	contentType := "application/x-ndjson"

	body := data
	if a.config.Compress {
		if body, err = gzipBytes(data); err != nil {
			a.errors.Add(1)
			return "", fmt.Errorf("s3: failed to compress segment: %w", err)
		}
		key += ".gz"
		contentType = "application/gzip"
	}

	in := &s3.PutObjectInput{
		Bucket:       aws.String(a.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		StorageClass: a.config.ObjectStorageClass(),
		Metadata: map[string]string{
			"sha256":        hex.EncodeToString(sum[:]),
			"original-size": fmt.Sprintf("%d", len(data)),
		},
	}
	switch a.config.ServerSideEncryption {
	case "AES256":
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if a.config.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(a.config.KMSKeyID)
		}
	}

	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	if _, err := a.api.PutObject(ctx, in); err != nil {
		a.errors.Add(1)
		return "", fmt.Errorf("s3: failed to upload %s: %w", key, err)
	}

	a.objects.Add(1)
	a.bytes.Add(int64(len(body)))
	location := fmt.Sprintf("s3://%s/%s", a.config.Bucket, key)
	a.logger.Info("archived ledger segment", "location", location, "size", len(body))
	return location, nil
}

// Stats returns archive counters.
func (a *Archiver) Stats() Stats {
	return Stats{
		ObjectsUploaded: a.objects.Load(),
		BytesUploaded:   a.bytes.Load(),
		Errors:          a.errors.Load(),
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
