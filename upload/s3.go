package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/evidentia-io/evidentia/types"
)

// DefaultPartTargetTTL is how long a presigned part target stays valid.
const DefaultPartTargetTTL = 15 * time.Minute

// S3Config holds configuration for the S3 coordination backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	// Required by most S3-compatible providers (R2, MinIO, etc.).
	UsePathStyle bool
	// PartTargetTTL is the presigned URL lifetime. Zero uses the default.
	PartTargetTTL time.Duration
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3Coordinator implements CoordinationService on S3 multipart uploads.
// Part targets are presigned UploadPart URLs so the transferrer needs no
// credentials of its own.
type S3Coordinator struct {
	client  *s3.Client
	presign *s3.PresignClient
	config  S3Config

	mu   sync.Mutex
	keys map[string]string // uploadID -> storage key
}

// NewS3Coordinator creates an S3-backed coordination service.
// Uses the AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3Coordinator(ctx context.Context, cfg S3Config) (*S3Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PartTargetTTL <= 0 {
		cfg.PartTargetTTL = DefaultPartTargetTTL
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return &S3Coordinator{
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  cfg,
		keys:    make(map[string]string),
	}, nil
}

// Initiate starts a multipart upload under prefix/<sessionID>/<kind>.
func (c *S3Coordinator) Initiate(ctx context.Context, sessionID, kind string) (*Session, error) {
	key := path.Join(c.config.Prefix, sessionID, kind)
	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyTransfer(err, "initiate", 0)
	}
	uploadID := aws.ToString(out.UploadId)

	c.mu.Lock()
	c.keys[uploadID] = key
	c.mu.Unlock()

	return &Session{UploadID: uploadID, StorageKey: key}, nil
}

// RequestPartTarget presigns an UploadPart request for the given part.
// The checksum is recorded by the scheduler for the audit manifest; the
// presigned request does not bind it so retried transfers stay valid.
func (c *S3Coordinator) RequestPartTarget(ctx context.Context, uploadID string, partNumber int32, _ string) (*PartTarget, error) {
	key, err := c.keyFor(uploadID)
	if err != nil {
		return nil, err
	}
	req, err := c.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.config.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(c.config.PartTargetTTL))
	if err != nil {
		return nil, classifyTransfer(err, "part_target", partNumber)
	}
	return &PartTarget{TransferURL: req.URL}, nil
}

// Complete combines the uploaded parts into the final object.
func (c *S3Coordinator) Complete(ctx context.Context, uploadID string, parts []types.UploadPart) (*CompletionResult, error) {
	key, err := c.keyFor(uploadID)
	if err != nil {
		return nil, err
	}

	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}

	out, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.config.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return nil, classifyTransfer(err, "complete", 0)
	}

	c.mu.Lock()
	delete(c.keys, uploadID)
	c.mu.Unlock()

	return &CompletionResult{
		URL:        aws.ToString(out.Location),
		StorageKey: key,
	}, nil
}

// Abort discards the multipart upload and any stored parts.
func (c *S3Coordinator) Abort(ctx context.Context, uploadID string) error {
	key, err := c.keyFor(uploadID)
	if err != nil {
		return err
	}
	_, err = c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.config.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classifyTransfer(err, "abort", 0)
	}

	c.mu.Lock()
	delete(c.keys, uploadID)
	c.mu.Unlock()
	return nil
}

func (c *S3Coordinator) keyFor(uploadID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[uploadID]
	if !ok {
		return "", fmt.Errorf("unknown upload id %q", uploadID)
	}
	return key, nil
}
