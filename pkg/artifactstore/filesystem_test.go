package artifactstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/terrapod/terrapod/internal/apierr"
)

func newTestFilesystemStore(t *testing.T) *filesystemStore {
	t.Helper()
	store, err := newFilesystemStore(Config{
		Backend:          "filesystem",
		FSRoot:           t.TempDir(),
		FSSecret:         "test-secret-do-not-use-in-prod",
		PublicAPIBaseURL: "https://terrapod.example.test",
	})
	require.NoError(t, err)
	return store
}

func TestFilesystemStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestFilesystemStore(t)

	meta, err := store.Put(ctx, "state/ws-1/sv-1.tfstate", []byte(`{"version":4}`), "application/json", map[string]string{"workspace": "ws-1"})
	require.NoError(t, err)
	require.Equal(t, int64(len(`{"version":4}`)), meta.Size)
	require.NotEmpty(t, meta.ETag)

	data, err := store.Get(ctx, "state/ws-1/sv-1.tfstate")
	require.NoError(t, err)
	require.Equal(t, `{"version":4}`, string(data))

	head, err := store.Head(ctx, "state/ws-1/sv-1.tfstate")
	require.NoError(t, err)
	require.Equal(t, "application/json", head.ContentType)
	require.Equal(t, meta.ETag, head.ETag)

	exists, err := store.Exists(ctx, "state/ws-1/sv-1.tfstate")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemStoreGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestFilesystemStore(t)

	_, err := store.Get(ctx, "state/missing/missing.tfstate")
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindNotFound, ae.Kind)
}

func TestFilesystemStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestFilesystemStore(t)

	_, err := store.Put(ctx, "plans/ws-1/run-1.tfplan", []byte("plan-bytes"), "application/octet-stream", nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "plans/ws-1/run-1.tfplan"))
	require.NoError(t, store.Delete(ctx, "plans/ws-1/run-1.tfplan"))

	exists, err := store.Exists(ctx, "plans/ws-1/run-1.tfplan")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestFilesystemStore(t)

	_, err := store.Put(ctx, "logs/ws-1/plans/run-1.log", []byte("log-1"), "text/plain", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "logs/ws-1/plans/run-2.log", []byte("log-2"), "text/plain", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "logs/ws-2/plans/run-3.log", []byte("log-3"), "text/plain", nil)
	require.NoError(t, err)

	entries, err := store.ListPrefix(ctx, "logs/ws-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestValidateKeyRejectsPathTraversal(t *testing.T) {
	cases := []string{"", "/abs/key", "../escape", "state/../../etc/passwd"}
	for _, c := range cases {
		require.Error(t, ValidateKey(c), "expected key %q to be rejected", c)
	}
}

func TestFilesystemStorePresignRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestFilesystemStore(t)

	presigned, err := store.PresignedGetURL(ctx, "state/ws-1/sv-1.tfstate", time.Minute)
	require.NoError(t, err)
	require.Contains(t, presigned.URL, "expires=")
	require.Contains(t, presigned.URL, "sig=")

	sig := presigned.URL[len(presigned.URL)-64:]
	expires := presigned.ExpiresAt.Unix()
	require.NoError(t, store.VerifySignature("get", "state/ws-1/sv-1.tfstate", expires, sig))
}

func TestFilesystemStoreVerifySignatureRejectsExpired(t *testing.T) {
	store := newTestFilesystemStore(t)

	sig := store.sign("get", "state/ws-1/sv-1.tfstate", time.Now().Add(-time.Minute))
	err := store.VerifySignature("get", "state/ws-1/sv-1.tfstate", time.Now().Add(-time.Minute).Unix(), sig)
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindUnauthenticated, ae.Kind)
}

func TestFilesystemStoreVerifySignatureRejectsTamperedSig(t *testing.T) {
	store := newTestFilesystemStore(t)

	expires := time.Now().Add(time.Minute)
	err := store.VerifySignature("get", "state/ws-1/sv-1.tfstate", expires.Unix(), "not-a-real-signature")
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindUnauthenticated, ae.Kind)
}
