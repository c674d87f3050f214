package listener

import (
	"context"
	"net/http"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/pkg/ca"
)

type contextKey struct{}

// FromContext returns the authenticated listener attached by ClientCertAuth.
func FromContext(ctx context.Context) (RunnerListener, bool) {
	l, ok := ctx.Value(contextKey{}).(RunnerListener)
	return l, ok
}

// ClientCertAuth completes §4.3 steps 4-5 on top of ca.VerifyClientCertHeader's
// steps 1-3: it extracts the leaf's CN, looks up the listener by that name,
// and requires the leaf's fingerprint to match the listener's recorded one.
func ClientCertAuth(authority *ca.Authority, store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("X-Terrapod-Client-Cert")
			if header == "" {
				httpserver.RespondErr(w, apierr.New(apierr.KindUnauthenticated, "missing client certificate header"))
				return
			}

			identity, err := authority.VerifyClientCertHeader(header)
			if err != nil {
				httpserver.RespondErr(w, err)
				return
			}

			rec, err := store.GetByName(r.Context(), identity.CommonName)
			if err != nil {
				httpserver.RespondErr(w, apierr.New(apierr.KindUnauthenticated, "unknown listener"))
				return
			}

			if rec.CertificateFingerprint != identity.Fingerprint {
				httpserver.RespondErr(w, apierr.New(apierr.KindUnauthenticated, "certificate fingerprint mismatch"))
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
