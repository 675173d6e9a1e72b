package loop

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the S3 client an S3Source uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads every object under Prefix whose key ends in Suffix, in
// lexical key order.
type S3Source struct {
	Client S3API
	Bucket string
	Prefix string
	Suffix string
	FPS    float64
}

// S3Config holds the connection settings of NewS3Source.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Suffix   string
	FPS      float64
}

// NewS3Source builds a source backed by a real S3 client using the default
// AWS credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Source{
		Client: client,
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
		Suffix: cfg.Suffix,
		FPS:    cfg.FPS,
	}, nil
}

func (s *S3Source) Name() string {
	return "s3://" + s.Bucket + "/" + s.Prefix
}

func (s *S3Source) suffix() string {
	if s.Suffix == "" {
		return ".jpg"
	}
	return s.Suffix
}

func (s *S3Source) Load(ctx context.Context) (*Sequence, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &SourceUnavailable{Source: s.Name(), Reason: "list objects", Cause: err}
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, s.suffix()) {
				keys = append(keys, key)
			}
		}
	}
	if len(keys) == 0 {
		return nil, &SourceUnavailable{Source: s.Name(), Reason: "no frames found"}
	}
	sort.Strings(keys)

	frames := make([][]byte, 0, len(keys))
	for _, key := range keys {
		data, err := s.get(ctx, key)
		if err != nil {
			return nil, &SourceUnavailable{Source: s.Name(), Reason: "get " + key, Cause: err}
		}
		frames = append(frames, data)
	}

	seq, err := NewSequence(frames, s.FPS)
	if err != nil {
		return nil, &SourceUnavailable{Source: s.Name(), Reason: "invalid sequence", Cause: err}
	}
	return seq, nil
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
