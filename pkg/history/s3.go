package history

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/metaboflow/metaboflow/pkg/errors"
)

// S3Config configures the S3 history store.
type S3Config struct {
	// Bucket holds the run records.
	Bucket string

	// Prefix is prepended to all record keys.
	Prefix string

	// Region is the AWS region.
	Region string

	// Endpoint overrides the default S3 endpoint (for MinIO etc.).
	Endpoint string

	// Credentials (optional, default chain when empty).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool

	// Timeout for S3 operations.
	Timeout time.Duration

	// ServerSideEncryption enables SSE-S3 encryption.
	ServerSideEncryption bool
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config(bucket string) S3Config {
	return S3Config{
		Bucket:  bucket,
		Prefix:  "runs/",
		Timeout: 30 * time.Second,
	}
}

// S3Store keeps run records as JSON objects in an S3 bucket.
type S3Store struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Store builds the AWS client and returns the store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeHistorySave, "loading AWS config")
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

	return &S3Store{cfg: cfg, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (s *S3Store) key(runID string) string {
	return s.cfg.Prefix + runID + ".json"
}

func (s *S3Store) Save(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "encoding run record")
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(rec.RunID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if s.cfg.ServerSideEncryption {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "saving run record to S3").
			WithContext("runId", rec.RunID)
	}
	return nil
}

func (s *S3Store) Load(ctx context.Context, runID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(runID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "loading run record from S3").
			WithContext("runId", runID)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "reading run record body")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "decoding run record").
			WithContext("runId", runID)
	}
	return &rec, nil
}

func (s *S3Store) List(ctx context.Context, limit int) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var recs []*Record
	var continuationToken *string

	for {
		output, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(s.cfg.Prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeHistoryLoad, "listing run records")
		}

		for _, obj := range output.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), s.cfg.Prefix)
			id = strings.TrimSuffix(id, ".json")
			rec, err := s.Load(ctx, id)
			if err != nil {
				continue
			}
			recs = append(recs, rec)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	sortNewestFirst(recs)
	return clip(recs, limit), nil
}

func (s *S3Store) Delete(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(runID)),
	})
	return err
}

func (s *S3Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	recs, err := s.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, rec := range recs {
		if rec.CompletedAt.Before(cutoff) {
			if s.Delete(ctx, rec.RunID) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *S3Store) Name() string { return "s3" }
