package artifactstore

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/terrapod/terrapod/internal/apierr"
)

// filesystemStore stores objects as plain files under a root directory and
// synthesises presigned URLs by HMAC-SHA256 signing the operation, key, and
// expiry with a process-owned secret, served by the control plane's own
// HTTP endpoints rather than a cloud provider.
type filesystemStore struct {
	root          string
	secret        []byte
	publicBaseURL string
}

func newFilesystemStore(cfg Config) (*filesystemStore, error) {
	if cfg.FSSecret == "" {
		return nil, fmt.Errorf("filesystem artifact store requires TERRAPOD_STORAGE_FS_SECRET")
	}
	if err := os.MkdirAll(cfg.FSRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating filesystem artifact store root: %w", err)
	}
	return &filesystemStore{
		root:          cfg.FSRoot,
		secret:        []byte(cfg.FSSecret),
		publicBaseURL: strings.TrimSuffix(cfg.PublicAPIBaseURL, "/"),
	}, nil
}

type sidecarMeta struct {
	ContentType  string            `json:"content_type"`
	ETag         string            `json:"etag"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

func (f *filesystemStore) resolve(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

func (f *filesystemStore) Put(_ context.Context, key string, data []byte, contentType string, metadata map[string]string) (Meta, error) {
	p, err := f.resolve(key)
	if err != nil {
		return Meta{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return Meta{}, fmt.Errorf("creating parent directory: %w", err)
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	if err := os.WriteFile(p, data, 0o600); err != nil {
		return Meta{}, fmt.Errorf("writing object: %w", err)
	}

	sc := sidecarMeta{ContentType: contentType, ETag: etag, Metadata: metadata, LastModified: now}
	sidecarBytes, err := json.Marshal(sc)
	if err != nil {
		return Meta{}, fmt.Errorf("marshaling sidecar metadata: %w", err)
	}
	if err := os.WriteFile(p+".meta", sidecarBytes, 0o600); err != nil {
		return Meta{}, fmt.Errorf("writing sidecar metadata: %w", err)
	}

	return Meta{Key: key, Size: int64(len(data)), ETag: etag, ContentType: contentType, LastModified: now}, nil
}

func (f *filesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.NotFound("artifact " + key)
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return data, nil
}

func (f *filesystemStore) Delete(_ context.Context, key string) error {
	p, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object: %w", err)
	}
	_ = os.Remove(p + ".meta")
	return nil
}

func (f *filesystemStore) Head(_ context.Context, key string) (Meta, error) {
	p, err := f.resolve(key)
	if err != nil {
		return Meta{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, apierr.NotFound("artifact " + key)
		}
		return Meta{}, fmt.Errorf("stat object: %w", err)
	}

	meta := Meta{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()}
	if sc, err := f.readSidecar(p); err == nil {
		meta.ContentType = sc.ContentType
		meta.ETag = sc.ETag
	}
	return meta, nil
}

func (f *filesystemStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

func (f *filesystemStore) ListPrefix(_ context.Context, prefix string) ([]Meta, error) {
	if err := ValidateKey(prefix); err != nil && prefix != "" {
		return nil, err
	}
	base := filepath.Join(f.root, filepath.FromSlash(prefix))

	var out []Meta
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".meta") {
			return nil
		}
		if !strings.HasPrefix(p, base) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		meta := Meta{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()}
		if sc, err := f.readSidecar(p); err == nil {
			meta.ContentType = sc.ContentType
			meta.ETag = sc.ETag
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing prefix: %w", err)
	}
	return out, nil
}

func (f *filesystemStore) readSidecar(objectPath string) (sidecarMeta, error) {
	var sc sidecarMeta
	raw, err := os.ReadFile(objectPath + ".meta")
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

// --- Presigned URL signing ---

func (f *filesystemStore) sign(op, key string, expiresAt time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d", op, key, expiresAt.Unix())
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presigned URL's signature in constant time and
// confirms it has not expired. Exported for use by the HTTP handler that
// serves these capability URLs.
func (f *filesystemStore) VerifySignature(op, key string, expiresEpoch int64, sig string) error {
	if time.Now().Unix() > expiresEpoch {
		return apierr.New(apierr.KindUnauthenticated, "presigned URL has expired")
	}
	expected := f.sign(op, key, time.Unix(expiresEpoch, 0))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return apierr.New(apierr.KindUnauthenticated, "presigned URL signature is invalid")
	}
	return nil
}

func (f *filesystemStore) PresignedGetURL(_ context.Context, key string, ttl time.Duration) (PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return PresignedURL{}, err
	}
	return f.presign("get", key, ttl), nil
}

func (f *filesystemStore) PresignedPutURL(_ context.Context, key string, _ string, ttl time.Duration) (PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return PresignedURL{}, err
	}
	return f.presign("put", key, ttl), nil
}

func (f *filesystemStore) presign(op, key string, ttl time.Duration) PresignedURL {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	expiresAt := time.Now().Add(ttl)
	sig := f.sign(op, key, expiresAt)

	url := fmt.Sprintf("%s/artifacts/%s?expires=%s&sig=%s",
		f.publicBaseURL, key, strconv.FormatInt(expiresAt.Unix(), 10), sig)

	return PresignedURL{URL: url, ExpiresAt: expiresAt}
}
