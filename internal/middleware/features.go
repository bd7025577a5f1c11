package middleware

import "net/http"

// FeatureGate hides a route subtree behind a feature flag. Disabled
// features answer 404 so probing cannot distinguish "off" from
// "nonexistent".
func FeatureGate(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"error":"Feature not available"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HSTS adds the Strict-Transport-Security header when enabled.
func HSTS(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enabled {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
