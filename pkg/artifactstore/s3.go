package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/terrapod/terrapod/internal/apierr"
)

type s3Store struct {
	client *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

func newS3Store(ctx context.Context, cfg Config) (*s3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store requires TERRAPOD_STORAGE_BUCKET")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS credential chain: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &s3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
	}, nil
}

func (s *s3Store) fullKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return withPrefix(s.prefix, key), nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (Meta, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return Meta{}, err
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return Meta{}, wrapS3Err("put", err)
	}

	etag := ""
	if out.ETag != nil {
		etag = trimETagQuotes(*out.ETag)
	}

	return Meta{Key: key, Size: int64(len(data)), ETag: etag, ContentType: contentType, LastModified: time.Now().UTC()}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(fullKey)})
	if err != nil {
		return nil, wrapS3Err("get", err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(fullKey)})
	if err != nil {
		return wrapS3Err("delete", err)
	}
	return nil
}

func (s *s3Store) Head(ctx context.Context, key string) (Meta, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return Meta{}, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(fullKey)})
	if err != nil {
		return Meta{}, wrapS3Err("head", err)
	}

	meta := Meta{Key: key}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	if out.ETag != nil {
		meta.ETag = trimETagQuotes(*out.ETag)
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	return meta, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
		return false, nil
	}
	return false, err
}

func (s *s3Store) ListPrefix(ctx context.Context, prefix string) ([]Meta, error) {
	fullPrefix := withPrefix(s.prefix, prefix)

	var out []Meta
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapS3Err("list", err)
		}
		for _, obj := range page.Contents {
			meta := Meta{Key: trimPrefix(s.prefix, aws.ToString(obj.Key))}
			if obj.Size != nil {
				meta.Size = *obj.Size
			}
			if obj.ETag != nil {
				meta.ETag = trimETagQuotes(*obj.ETag)
			}
			if obj.LastModified != nil {
				meta.LastModified = *obj.LastModified
			}
			out = append(out, meta)
		}
	}
	return out, nil
}

func (s *s3Store) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (PresignedURL, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return PresignedURL{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return PresignedURL{}, wrapS3Err("presign_get", err)
	}

	return PresignedURL{URL: req.URL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *s3Store) PresignedPutURL(ctx context.Context, key string, contentType string, ttl time.Duration) (PresignedURL, error) {
	fullKey, err := s.fullKey(key)
	if err != nil {
		return PresignedURL{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return PresignedURL{}, wrapS3Err("presign_put", err)
	}

	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return PresignedURL{URL: req.URL, ExpiresAt: time.Now().Add(ttl), Headers: headers}, nil
}

func wrapS3Err(op string, err error) error {
	var notFound *smithy.GenericAPIError
	if errors.As(err, &notFound) && (notFound.Code == "NoSuchKey" || notFound.Code == "NotFound") {
		return apierr.NotFound("artifact")
	}
	return apierr.Wrap(apierr.KindUpstreamFailure, fmt.Sprintf("s3 %s failed", op), err)
}

func trimETagQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func trimPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	trimmed := key
	if len(trimmed) > len(prefix)+1 {
		trimmed = trimmed[len(prefix)+1:]
	}
	return trimmed
}
