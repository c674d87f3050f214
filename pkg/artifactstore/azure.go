package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/terrapod/terrapod/internal/apierr"
)

type azureStore struct {
	client     *azblob.Client
	serviceURL string
	container  string
	prefix     string
}

func newAzureStore(_ context.Context, cfg Config) (*azureStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("azure artifact store requires TERRAPOD_STORAGE_BUCKET as the container name")
	}

	accountURL := strings.TrimSuffix(cfg.FSRoot, "/")
	if accountURL == "" {
		return nil, fmt.Errorf("azure artifact store requires an account URL configured via TERRAPOD_STORAGE_FS_ROOT")
	}

	client, err := azblob.NewClientWithNoCredential(accountURL, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing azure blob client: %w", err)
	}

	return &azureStore{
		client:     client,
		serviceURL: accountURL,
		container:  cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

func (a *azureStore) blobName(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return withPrefix(a.prefix, key), nil
}

func (a *azureStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (Meta, error) {
	name, err := a.blobName(key)
	if err != nil {
		return Meta{}, err
	}

	meta := map[string]*string{}
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}

	_, err = a.client.UploadBuffer(ctx, a.container, name, data, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &azblob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return Meta{}, wrapAzureErr("put", err)
	}

	return Meta{Key: key, Size: int64(len(data)), ContentType: contentType, LastModified: time.Now().UTC()}, nil
}

func (a *azureStore) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := a.blobName(key)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if err != nil {
		return nil, wrapAzureErr("get", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (a *azureStore) Delete(ctx context.Context, key string) error {
	name, err := a.blobName(key)
	if err != nil {
		return err
	}

	_, err = a.client.DeleteBlob(ctx, a.container, name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return wrapAzureErr("delete", err)
	}
	return nil
}

func (a *azureStore) Head(ctx context.Context, key string) (Meta, error) {
	name, err := a.blobName(key)
	if err != nil {
		return Meta{}, err
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(name)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return Meta{}, wrapAzureErr("head", err)
	}

	meta := Meta{Key: key}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		meta.ContentType = *props.ContentType
	}
	if props.ETag != nil {
		meta.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		meta.LastModified = *props.LastModified
	}
	return meta, nil
}

func (a *azureStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
		return false, nil
	}
	return false, err
}

func (a *azureStore) ListPrefix(ctx context.Context, prefix string) ([]Meta, error) {
	fullPrefix := withPrefix(a.prefix, prefix)

	var out []Meta
	containerClient := a.client.ServiceClient().NewContainerClient(a.container)
	pager := containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: to.Ptr(fullPrefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapAzureErr("list", err)
		}
		for _, item := range page.Segment.BlobItems {
			meta := Meta{Key: trimPrefix(a.prefix, to.String(item.Name))}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					meta.Size = *item.Properties.ContentLength
				}
				if item.Properties.ContentType != nil {
					meta.ContentType = *item.Properties.ContentType
				}
				if item.Properties.LastModified != nil {
					meta.LastModified = *item.Properties.LastModified
				}
			}
			out = append(out, meta)
		}
	}
	return out, nil
}

func (a *azureStore) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (PresignedURL, error) {
	name, err := a.blobName(key)
	if err != nil {
		return PresignedURL{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(name)
	expiry := time.Now().Add(ttl)
	url, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, expiry, nil)
	if err != nil {
		return PresignedURL{}, wrapAzureErr("presign_get", err)
	}

	return PresignedURL{URL: url, ExpiresAt: expiry}, nil
}

func (a *azureStore) PresignedPutURL(ctx context.Context, key string, contentType string, ttl time.Duration) (PresignedURL, error) {
	name, err := a.blobName(key)
	if err != nil {
		return PresignedURL{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(name)
	expiry := time.Now().Add(ttl)
	url, err := blobClient.GetSASURL(sas.BlobPermissions{Write: true, Create: true}, expiry, nil)
	if err != nil {
		return PresignedURL{}, wrapAzureErr("presign_put", err)
	}

	headers := map[string]string{"x-ms-blob-type": "BlockBlob"}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return PresignedURL{URL: url, ExpiresAt: expiry, Headers: headers}, nil
}

func wrapAzureErr(op string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return apierr.NotFound("artifact")
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return apierr.NotFound("artifact")
	}
	return apierr.Wrap(apierr.KindUpstreamFailure, fmt.Sprintf("azure blob %s failed", op), err)
}
