package apiserver

import "net/http"

// tracingMiddleware assigns/propagates X-Request-Id and stamps an outbound
// X-Correlation-Id, per spec.md §6's tracing header contract: an inbound
// X-Request-Id is echoed back, a fresh one is minted otherwise, and the
// correlation id always identifies this server's own view of the request.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set("X-Request-Id", reqID)
		w.Header().Set("X-Correlation-Id", newRequestID())
		next.ServeHTTP(w, r)
	})
}

// deprecationMiddleware marks the unversioned alias routes as deprecated
// per spec.md §6, pointing clients at the /v1 surface without breaking them.
func deprecationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Deprecation", "true")
		w.Header().Set("Sunset", "Sat, 31 Oct 2026 00:00:00 GMT")
		w.Header().Set("Link", "</v1"+r.URL.Path+">; rel=\"successor-version\"")
		next.ServeHTTP(w, r)
	})
}
