// Package api is the HTTP surface: the mux router, the request
// handlers, and the JSON response helpers.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/limits"
)

var respLogger = log.New(log.Writer(), "[API] ", log.LstdFlags)

// respondJSON writes v with the given status.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		respLogger.Printf("⚠️  Failed to encode response: %v", err)
	}
}

// respondError maps the error through the taxonomy. Internal errors are
// logged with their cause but serialized without it.
func respondError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	msg := ae.Message
	if ae.Kind == apperr.KindInternal {
		respLogger.Printf("❌ %v", err)
		msg = "internal server error"
	}
	respondJSON(w, ae.Kind.HTTPStatus(), map[string]string{"error": msg})
}

// respondWithWarnings appends non-nil quota warnings to the payload
// under a "warnings" key.
func respondWithWarnings(w http.ResponseWriter, status int, payload map[string]interface{}, warnings ...*limits.Warning) {
	var active []*limits.Warning
	for _, warn := range warnings {
		if warn != nil {
			active = append(active, warn)
		}
	}
	if len(active) > 0 {
		payload["warnings"] = active
	}
	respondJSON(w, status, payload)
}

// decodeJSON parses the request body into dst, rejecting unknown
// fields and oversized bodies.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid JSON body: " + err.Error())
	}
	return nil
}
