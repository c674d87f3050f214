package httpserver

import (
	"net/http"

	"github.com/terrapod/terrapod/internal/apierr"
)

// classify turns any error into a (status, kind, message) triple for
// RespondErr. Unrecognized errors are treated as internal errors and their
// detail is not leaked to the client.
func classify(err error) (int, string, string) {
	if ae, ok := apierr.As(err); ok {
		return apierr.Status(err), string(ae.Kind), ae.Message
	}
	return http.StatusInternalServerError, "internal_error", "an internal error occurred"
}
