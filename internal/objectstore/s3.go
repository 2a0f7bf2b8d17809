package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend is the production object-store backend. Wasabi and other
// S3-compatible providers are supported via a custom endpoint plus
// path-style addressing.
type S3Backend struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for Wasabi/MinIO-style endpoints
	AccessKeyID     string
	SecretAccessKey string
}

func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
	}, nil
}

func (b *S3Backend) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Download(ctx context.Context, key string, w io.Writer) error {
	writerAt, ok := w.(io.WriterAt)
	if !ok {
		writerAt = &sequentialWriterAt{w: w}
	}
	_, err := b.downloader.Download(ctx, writerAt, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("s3 download %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return true, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string, maxKeys int) ([]string, error) {
	var keys []string
	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		}
		if maxKeys > 0 {
			input.MaxKeys = aws.Int32(int32(maxKeys))
		}
		out, err := b.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if maxKeys > 0 && len(keys) >= maxKeys {
			return keys[:maxKeys], nil
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return keys, nil
}

func (b *S3Backend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := b.List(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	const batchSize = 1000
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		batch := keys[i:end]

		objects := make([]s3types.ObjectIdentifier, len(batch))
		for j, k := range batch {
			objects[j] = s3types.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3types.Delete{Objects: objects},
		})
		if err != nil {
			return count, fmt.Errorf("s3 delete prefix %s: %w", prefix, err)
		}
		count += len(batch)
	}
	return count, nil
}

// sequentialWriterAt adapts a plain io.Writer for manager.Downloader, which
// requires WriterAt; downloads are not parallelized when wrapped this way.
type sequentialWriterAt struct {
	w io.Writer
}

func (s *sequentialWriterAt) WriteAt(p []byte, _ int64) (int, error) {
	return s.w.Write(p)
}

func isNoSuchKey(err error) bool {
	msg := err.Error()
	return contains(msg, "NoSuchKey") || contains(msg, "NotFound") || contains(msg, "404")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
