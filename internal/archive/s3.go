// Package archive stores completed envelope documents in S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/config"
)

// DocumentAPI downloads an envelope's combined document set as one PDF.
type DocumentAPI interface {
	DownloadCombinedDocuments(ctx context.Context, envelopeID string) ([]byte, error)
}

// s3API is the slice of the S3 client used here.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver downloads the combined PDF for an envelope and writes it to the
// configured bucket. It runs after completion, off the request path, so
// failures are reported to the caller for logging rather than retried here.
type S3Archiver struct {
	client s3API
	docs   DocumentAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver builds the client from the default AWS credential chain plus
// the explicit endpoint settings, which also covers MinIO-style stores.
func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig, docs DocumentAPI, logger *zap.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Archiver{
		client: client,
		docs:   docs,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// ArchiveEnvelope fetches the combined document and stores it under
// {prefix}/envelopes/{dealID}/{envelopeID}.pdf. An object already at that
// key means a previous run archived this envelope; the download is skipped
// and the call is a no-op, so redelivered completion events stay cheap.
func (a *S3Archiver) ArchiveEnvelope(ctx context.Context, dealID, envelopeID string) error {
	key := a.objectKey(dealID, envelopeID)
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		a.logger.Info("archive: envelope documents already stored",
			zap.String("deal_id", dealID),
			zap.String("envelope_id", envelopeID),
			zap.String("key", key),
		)
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		// Head failures other than 404 don't block archival; the put is
		// the operation that matters.
		a.logger.Warn("archive: head object failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	pdf, err := a.docs.DownloadCombinedDocuments(ctx, envelopeID)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(pdf),
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]string{
			"deal-id":     dealID,
			"envelope-id": envelopeID,
		},
	})
	if err != nil {
		return fmt.Errorf("archive: put object %s: %w", key, err)
	}

	a.logger.Info("archive: envelope documents stored",
		zap.String("deal_id", dealID),
		zap.String("envelope_id", envelopeID),
		zap.String("key", key),
		zap.Int("bytes", len(pdf)),
	)
	return nil
}

func (a *S3Archiver) objectKey(dealID, envelopeID string) string {
	return path.Join(a.prefix, "envelopes", dealID, envelopeID+".pdf")
}
