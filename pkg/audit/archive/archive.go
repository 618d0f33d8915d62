// Package archive uploads audit trail segments to S3-compatible
// object storage. Entries are buffered as JSONL and shipped in
// sequence-named segments so an operator can rebuild or spot-check the
// chain without touching the live badger directory.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/bytesize"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
)

// Config holds configuration for the S3 segment archiver.
type Config struct {
	// Enabled turns archiving on. All other fields are ignored when
	// false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Bucket is the S3 bucket name.
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty"`

	// Region is the AWS region.
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible
	// services).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to all segment keys. Should end with "/"
	// if non-empty.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// AccessKeyID and SecretAccessKey override the SDK credential
	// chain when both are set.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle forces path-style addressing (required for
	// Localstack/MinIO).
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`

	// Interval is how often buffered entries are flushed.
	Interval time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`

	// SegmentSize triggers an early flush once the buffer reaches this
	// many bytes.
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if !c.Enabled {
		return
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = bytesize.MiB
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Enabled && c.Bucket == "" {
		return fmt.Errorf("audit archive requires a bucket")
	}
	return nil
}

// uploader is the slice of the S3 client the archiver uses.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver buffers encoded audit entries and uploads them as JSONL
// segments named by the sequence range they contain.
type Archiver struct {
	client      uploader
	bucket      string
	keyPrefix   string
	segmentSize uint64

	mu       sync.Mutex
	buf      bytes.Buffer
	firstSeq uint64
	lastSeq  uint64
	closed   bool

	full chan struct{}
}

// New creates an archiver with an S3 client built from cfg, following
// the SDK credential chain unless static credentials are configured.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewWithClient creates an archiver with an existing client. Tests use
// this to substitute a fake uploader.
func NewWithClient(client uploader, cfg Config) *Archiver {
	cfg.ApplyDefaults()
	return &Archiver{
		client:      client,
		bucket:      cfg.Bucket,
		keyPrefix:   cfg.KeyPrefix,
		segmentSize: cfg.SegmentSize.Uint64(),
		full:        make(chan struct{}, 1),
	}
}

// Append buffers one encoded entry. It never blocks on the network;
// uploads happen in Flush. Appends after Close are dropped.
func (a *Archiver) Append(seq uint64, line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if a.buf.Len() == 0 {
		a.firstSeq = seq
	}
	a.lastSeq = seq
	a.buf.Write(line)
	a.buf.WriteByte('\n')

	if uint64(a.buf.Len()) >= a.segmentSize {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
}

// Full signals when the buffer has reached the segment size and wants
// an early flush.
func (a *Archiver) Full() <-chan struct{} {
	return a.full
}

// Flush uploads the buffered entries as one segment. An empty buffer
// is a no-op. On upload failure the segment is put back at the front
// of the buffer so no entry is lost.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.buf.Len() == 0 {
		a.mu.Unlock()
		return nil
	}
	data := make([]byte, a.buf.Len())
	copy(data, a.buf.Bytes())
	firstSeq, lastSeq := a.firstSeq, a.lastSeq
	a.buf.Reset()
	a.mu.Unlock()

	key := fmt.Sprintf("%ssegment-%020d-%020d.jsonl", a.keyPrefix, firstSeq, lastSeq)

	ctx, span := telemetry.StartAuditSpan(ctx, "archive_flush",
		telemetry.StorageKey(key),
		telemetry.AuditSequence(lastSeq))
	defer span.End()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		a.restore(data, firstSeq, lastSeq)
		return fmt.Errorf("s3 put segment: %w", err)
	}

	logger.Debug("Audit segment archived",
		logger.KeyComponent, "audit",
		"key", key,
		logger.KeyCount, lastSeq-firstSeq+1)
	return nil
}

// restore puts a failed segment back ahead of anything appended since
// the flush started, preserving sequence order.
func (a *Archiver) restore(data []byte, firstSeq, lastSeq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := make([]byte, a.buf.Len())
	copy(pending, a.buf.Bytes())
	hadPending := len(pending) > 0

	a.buf.Reset()
	a.buf.Write(data)
	a.buf.Write(pending)
	a.firstSeq = firstSeq
	if !hadPending {
		a.lastSeq = lastSeq
	}
}

// Close flushes any remaining entries and stops accepting appends.
func (a *Archiver) Close(ctx context.Context) error {
	err := a.Flush(ctx)

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return err
}
