// Package requestid assigns every request a correlation id, honoring one
// supplied by the ingestion feed so a record can be traced across systems.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"trapline/pkg/requestcontext"
)

// Header is the inbound/outbound correlation header.
const Header = "X-Request-ID"

// Middleware reads X-Request-ID or mints a fresh UUID, stores it in the
// context, and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), id)
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
