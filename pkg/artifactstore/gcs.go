package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/terrapod/terrapod/internal/apierr"
)

type gcsStore struct {
	client    *storage.Client
	bucket    string
	prefix    string
	bucketObj *storage.BucketHandle
}

func newGCSStore(ctx context.Context, cfg Config) (*gcsStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs artifact store requires TERRAPOD_STORAGE_BUCKET")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("constructing GCS client: %w", err)
	}

	return &gcsStore{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		bucketObj: client.Bucket(cfg.Bucket),
	}, nil
}

func (g *gcsStore) objectName(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return withPrefix(g.prefix, key), nil
}

func (g *gcsStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (Meta, error) {
	name, err := g.objectName(key)
	if err != nil {
		return Meta{}, err
	}

	w := g.bucketObj.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Meta{}, wrapGCSErr("put", err)
	}
	if err := w.Close(); err != nil {
		return Meta{}, wrapGCSErr("put", err)
	}

	attrs := w.Attrs()
	meta := Meta{Key: key, Size: int64(len(data)), ContentType: contentType, LastModified: time.Now().UTC()}
	if attrs != nil {
		meta.ETag = attrs.Etag
	}
	return meta, nil
}

func (g *gcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := g.objectName(key)
	if err != nil {
		return nil, err
	}

	r, err := g.bucketObj.Object(name).NewReader(ctx)
	if err != nil {
		return nil, wrapGCSErr("get", err)
	}
	defer r.Close()

	return io.ReadAll(r)
}

func (g *gcsStore) Delete(ctx context.Context, key string) error {
	name, err := g.objectName(key)
	if err != nil {
		return err
	}

	err = g.bucketObj.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return wrapGCSErr("delete", err)
	}
	return nil
}

func (g *gcsStore) Head(ctx context.Context, key string) (Meta, error) {
	name, err := g.objectName(key)
	if err != nil {
		return Meta{}, err
	}

	attrs, err := g.bucketObj.Object(name).Attrs(ctx)
	if err != nil {
		return Meta{}, wrapGCSErr("head", err)
	}

	return Meta{
		Key:          key,
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

func (g *gcsStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
		return false, nil
	}
	return false, err
}

func (g *gcsStore) ListPrefix(ctx context.Context, prefix string) ([]Meta, error) {
	fullPrefix := withPrefix(g.prefix, prefix)

	var out []Meta
	it := g.bucketObj.Objects(ctx, &storage.Query{Prefix: fullPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapGCSErr("list", err)
		}
		out = append(out, Meta{
			Key:          trimPrefix(g.prefix, attrs.Name),
			Size:         attrs.Size,
			ETag:         attrs.Etag,
			ContentType:  attrs.ContentType,
			LastModified: attrs.Updated,
		})
	}
	return out, nil
}

func (g *gcsStore) PresignedGetURL(_ context.Context, key string, ttl time.Duration) (PresignedURL, error) {
	name, err := g.objectName(key)
	if err != nil {
		return PresignedURL{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	expiry := time.Now().Add(ttl)

	url, err := g.client.Bucket(g.bucket).SignedURL(name, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: expiry,
	})
	if err != nil {
		return PresignedURL{}, wrapGCSErr("presign_get", err)
	}

	return PresignedURL{URL: url, ExpiresAt: expiry}, nil
}

func (g *gcsStore) PresignedPutURL(_ context.Context, key string, contentType string, ttl time.Duration) (PresignedURL, error) {
	name, err := g.objectName(key)
	if err != nil {
		return PresignedURL{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	expiry := time.Now().Add(ttl)

	opts := &storage.SignedURLOptions{
		Method:      "PUT",
		Expires:     expiry,
		ContentType: contentType,
	}
	url, err := g.client.Bucket(g.bucket).SignedURL(name, opts)
	if err != nil {
		return PresignedURL{}, wrapGCSErr("presign_put", err)
	}

	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return PresignedURL{URL: url, ExpiresAt: expiry, Headers: headers}, nil
}

func wrapGCSErr(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return apierr.NotFound("artifact")
	}
	return apierr.Wrap(apierr.KindUpstreamFailure, fmt.Sprintf("gcs %s failed", op), err)
}
