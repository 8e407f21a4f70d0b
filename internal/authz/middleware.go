package authz

import (
	"net/http"
	"strings"
)

// Extract reads whatever credential form the request carries (HTTP Basic,
// or a Bearer token) and attaches it to the request's context so a
// downstream Authorizer can consult it. Requests carrying neither form
// reach the Authorizer with no credential attached, which JWTAuthorizer
// and BasicAuthorizer both treat as ErrMissingCredential; Allow ignores it.
func Extract(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok {
			r = r.WithContext(WithBasicAuth(r.Context(), user, pass))
			next.ServeHTTP(w, r)
			return
		}
		if header := r.Header.Get("Authorization"); header != "" {
			if token, ok := strings.CutPrefix(header, "Bearer "); ok {
				r = r.WithContext(WithBearerToken(r.Context(), token))
			}
		}
		next.ServeHTTP(w, r)
	})
}
