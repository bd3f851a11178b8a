package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jeremyhahn/go-signature-trust/pkg/logging"
)

// The subset of the S3 client the archiver uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Archiver stores containers in a bucket with object lock enabled. Each
// object is locked in COMPLIANCE mode until its retention date, so it
// cannot be deleted or overwritten before then, not even by the root
// account.
type S3Archiver struct {
	logger *logging.Logger
	client s3API
	bucket string
	prefix string
}

// Creates an S3 archiver using the default AWS credential chain
func NewS3Archiver(ctx context.Context, logger *logging.Logger, config Config) (*S3Archiver, error) {
	if config.Bucket == "" {
		return nil, ErrBucketRequired
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(logger, client, config), nil
}

func newS3Archiver(logger *logging.Logger, client s3API, config Config) *S3Archiver {
	return &S3Archiver{
		logger: logger.With("component", "archive", "backend", BACKEND_S3),
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
	}
}

func (a *S3Archiver) Archive(ctx context.Context, object Object) (string, error) {
	key := a.key(object.ArtifactID)
	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return "", ErrExists
	} else if !isNotFound(err) {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(object.Data),
		ContentType:       aws.String(object.ContentType()),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata: map[string]string{
			"artifact-id": object.ArtifactID,
			"format":      object.Format,
			"policy":      object.Policy,
			"class":       object.Class,
			"created-at":  object.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
	if !object.RetainUntil.IsZero() {
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(object.RetainUntil.UTC())
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", err
	}
	location := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.logger.Debug("archive: container archived",
		"artifact", object.ArtifactID, "location", location, "retain-until", object.RetainUntil)
	return location, nil
}

func (a *S3Archiver) Fetch(ctx context.Context, artifactID string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(artifactID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (a *S3Archiver) key(artifactID string) string {
	return path.Join(a.prefix, artifactID)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
