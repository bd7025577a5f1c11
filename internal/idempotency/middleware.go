package idempotency

import (
	"bytes"
	"log"
	"net/http"
	"strconv"

	"github.com/pathmark/backend/internal/auth"
	"github.com/pathmark/backend/internal/crypto"
	"github.com/pathmark/backend/internal/metrics"
)

// Header carries the client-chosen idempotency key. Matching is
// case-insensitive per HTTP semantics; an empty value means absent.
const Header = "Idempotency-Key"

// recorder buffers the handler's response. Nothing reaches the client
// until the middleware decides which bytes are canonical, so a
// concurrent duplicate can be answered with the stored winner's
// response instead of its own.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *recorder) Write(b []byte) (int, error) {
	return r.buf.Write(b)
}

// Middleware wraps write endpoints: replay on a known key, otherwise run
// the handler and cache its response. 5xx responses are not cached so a
// transient dependency fault stays retryable.
func Middleware(store *Store, mets *metrics.Metrics) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[IDEMPOTENCY] ", log.LstdFlags)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			keyHash := crypto.SHA256Hex(key)

			if rec, err := store.Lookup(r.Context(), keyHash); err != nil {
				// Lookup failure must not break the request; fall through
				// to the handler.
				logger.Printf("⚠️  Lookup failed for key hash %.8s…: %v", keyHash, err)
			} else if rec != nil {
				emit(w, rec.StatusCode, rec.ResponseBody)
				if mets != nil {
					mets.IdempotencyReplays.Inc()
				}
				return
			}

			rw := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.status >= 500 {
				emit(w, rw.status, rw.buf.Bytes())
				return
			}

			var deviceID *int64
			if p := auth.PrincipalFrom(r.Context()); p != nil && p.Kind == auth.KindDeviceToken {
				deviceID = &p.DeviceID
			}

			stored, err := store.Store(r.Context(), keyHash, deviceID, rw.buf.Bytes(), rw.status)
			if err != nil {
				logger.Printf("⚠️  Failed to store record for key hash %.8s…: %v", keyHash, err)
				emit(w, rw.status, rw.buf.Bytes())
				return
			}
			// When a concurrent duplicate won the insert race the stored
			// record is the winner's; our own computed response is
			// discarded so every caller sees identical bytes.
			if !bytes.Equal(stored.ResponseBody, rw.buf.Bytes()) {
				logger.Printf("Duplicate in flight for key hash %.8s…; answering with the stored response", keyHash)
			}
			emit(w, stored.StatusCode, stored.ResponseBody)
		})
	}
}

// emit writes the chosen response. The handler's headers were set on
// the underlying writer and pass through untouched.
func emit(w http.ResponseWriter, status int, body []byte) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}
